// Package admission decides whether a user/channel command may execute before
// any expensive work happens. It combines a per-user cooldown with a
// per-channel burst-then-sustained-rate policy so one person cannot spam and a
// channel can absorb a short burst of distinct users' commands without
// exceeding a sustained cap.
package admission

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chat-tender/ratewindow"
	"github.com/onnwee/chat-tender/telemetry"
)

const (
	// channelSpan is the sliding window over which channel command history is kept.
	channelSpan = 10 * time.Second
	// recentSpan is the trailing span the sustained-rate check counts against.
	recentSpan = time.Second
)

// Config tunes the two checks. Zero values take the documented defaults.
type Config struct {
	UserCooldown time.Duration // min gap between one user's commands (default 2s)
	ChannelBurst int           // commands allowed unconditionally per channel window (default 5)
	ChannelRate  float64       // sustained commands/second per channel after burst (default 1.0)
}

func (c Config) withDefaults() Config {
	if c.UserCooldown <= 0 {
		c.UserCooldown = 2 * time.Second
	}
	if c.ChannelBurst <= 0 {
		c.ChannelBurst = 5
	}
	if c.ChannelRate <= 0 {
		c.ChannelRate = 1.0
	}
	return c
}

// Stats is a point-in-time view of tracked state, for /status and metrics.
type Stats struct {
	TrackedUsers    int `json:"tracked_users"`
	TrackedChannels int `json:"tracked_channels"`
	WindowCommands  int `json:"total_window_cmds"`
}

// Controller evaluates admission decisions. Safe for concurrent use.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	users    map[string]time.Time
	channels map[string]*ratewindow.Window

	// now is swappable in tests; must be monotonic (time.Now qualifies).
	now func() time.Time
}

// New returns a Controller with defaults applied.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:      cfg,
		users:    make(map[string]time.Time),
		channels: make(map[string]*ratewindow.Window),
		now:      time.Now,
	}
	slog.Info("admission controller initialized",
		slog.Duration("user_cooldown", cfg.UserCooldown),
		slog.Int("channel_burst", cfg.ChannelBurst),
		slog.Float64("channel_rate", cfg.ChannelRate))
	return c
}

// CanExecute reports whether userID may run a command in channelID right now,
// recording the attempt when allowed. The returned string is a user-facing
// denial reason, empty on allow. The check is O(1) amortized and never does I/O.
//
// Empty identifiers are caller bugs: they are denied loudly rather than
// silently allowed, since an unkeyed entry would corrupt fairness tracking.
func (c *Controller) CanExecute(userID, channelID, commandName string) (bool, string) {
	if userID == "" || channelID == "" {
		slog.Error("admission check with empty identifier",
			slog.String("user_id", userID),
			slog.String("channel_id", channelID),
			slog.String("command", commandName))
		telemetry.CountAdmission(false, "invalid_input")
		return false, "internal error: missing user or channel id"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	// Check 1: per-user cooldown.
	if last, ok := c.users[userID]; ok {
		if elapsed := now.Sub(last); elapsed < c.cfg.UserCooldown {
			wait := c.cfg.UserCooldown - elapsed
			if wait < 0 {
				wait = 0
			}
			slog.Debug("admission denied: user cooling down",
				slog.String("user_id", userID),
				slog.String("command", commandName),
				slog.Duration("remaining", wait))
			telemetry.CountAdmission(false, "user_cooldown")
			return false, fmt.Sprintf("too fast! try again in %.1fs", wait.Seconds())
		}
	}

	// Check 2: per-channel burst then sustained rate.
	hist := c.channels[channelID]
	if hist == nil {
		hist = &ratewindow.Window{}
		c.channels[channelID] = hist
	}
	hist.Prune(now, channelSpan)
	recent := hist.CountWithin(now, recentSpan)
	// Below the burst size the command passes regardless of recent rate; the
	// sustained check only applies once the window has filled to the burst.
	if hist.Len() >= c.cfg.ChannelBurst && float64(recent) >= c.cfg.ChannelRate {
		slog.Debug("admission denied: channel rate exceeded",
			slog.String("channel_id", channelID),
			slog.String("command", commandName),
			slog.Int("recent", recent))
		telemetry.CountAdmission(false, "channel_rate")
		return false, "channel busy, try again in 1s"
	}

	c.users[userID] = now
	hist.Record(now)
	telemetry.CountAdmission(true, "")
	return true, ""
}

// ResetUser clears a user's cooldown (admin override).
func (c *Controller) ResetUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.users[userID]; ok {
		delete(c.users, userID)
		slog.Info("admission reset for user", slog.String("user_id", userID))
	}
}

// ResetChannel clears a channel's command history (admin override).
func (c *Controller) ResetChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channelID]; ok {
		delete(c.channels, channelID)
		slog.Info("admission reset for channel", slog.String("channel_id", channelID))
	}
}

// Cleanup evicts entries untouched for longer than maxAge to bound memory.
// The controller does not self-schedule; callers run this periodically
// (see the cleanup ticker in main).
func (c *Controller) Cleanup(maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = 300 * time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	removedUsers := 0
	for uid, last := range c.users {
		if now.Sub(last) > maxAge {
			delete(c.users, uid)
			removedUsers++
		}
	}
	removedChannels := 0
	for cid, hist := range c.channels {
		hist.Prune(now, maxAge)
		if hist.Len() == 0 {
			delete(c.channels, cid)
			removedChannels++
		}
	}
	if removedUsers > 0 || removedChannels > 0 {
		slog.Debug("admission cleanup",
			slog.Int("users_removed", removedUsers),
			slog.Int("channels_removed", removedChannels))
	}
	telemetry.SetTrackedEntities(len(c.users), len(c.channels))
}

// Stats reports tracked entity counts for observability.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, hist := range c.channels {
		total += hist.Len()
	}
	return Stats{
		TrackedUsers:    len(c.users),
		TrackedChannels: len(c.channels),
		WindowCommands:  total,
	}
}
