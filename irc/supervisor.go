package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chat-tender/ratewindow"
	"github.com/onnwee/chat-tender/telemetry"
)

const (
	backoffFloor   = time.Second
	backoffCeil    = 30 * time.Second
	throttleMargin = 50 * time.Millisecond
	dialTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second

	capRequest = "CAP REQ :twitch.tv/membership twitch.tv/tags twitch.tv/commands"
)

var errNotConnected = errors.New("irc: not connected")

// LineLogger mirrors traffic to an audit store. Implementations must be
// best-effort: errors are their own to log, and slow stores should buffer.
type LineLogger interface {
	LogInbound(ctx context.Context, raw string)
	LogOutbound(ctx context.Context, channel, text string)
}

// Config describes one bot identity's connection.
type Config struct {
	Host      string // default irc.chat.twitch.tv
	Port      int    // default 6697
	PlainText bool   // disable TLS (local mocks only)

	Nick     string // bot nickname, required
	Token    string // user OAuth token, required; "oauth:" prefix added if missing
	Channels []string

	MaxSends   int           // outbound throttle limit, default 18
	SendWindow time.Duration // outbound throttle span, default 30s

	// OnLine receives every inbound line that is not a keepalive or a join
	// confirmation. The supervisor does no further parsing.
	OnLine func(line string)
	// Logger, when set, receives a copy of outbound sends and of the inbound
	// lines that reach OnLine. Keepalives and join confirmations are protocol
	// chatter and skip both.
	Logger LineLogger
	// Dial overrides the socket dial, used by tests to point at a fake server.
	Dial func(ctx context.Context) (net.Conn, error)
}

// Supervisor owns the connection lifecycle for one bot identity.
// See the package documentation for the overall model.
type Supervisor struct {
	cfg  Config
	dial func(ctx context.Context) (net.Conn, error)

	queue *sendQueue

	mu      sync.Mutex
	state   State
	desired map[string]struct{}
	joined  map[string]struct{}
	conn    net.Conn
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// writeMu serializes raw socket writes across the write loop, pong
	// replies, and immediate JOINs.
	writeMu sync.Mutex

	// throttle is touched only by the write loop. It outlives individual
	// connections so a reconnect cannot be used to dodge the send limit.
	throttle ratewindow.Window

	// backoff bounds, overridable in tests to compress reconnect timing.
	backoffFloor time.Duration
	backoffCeil  time.Duration
}

// New validates cfg and returns a stopped Supervisor. Missing credentials are
// a configuration error and reported here rather than retried forever.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Nick == "" {
		return nil, errors.New("irc: bot nickname required")
	}
	if cfg.Token == "" {
		return nil, errors.New("irc: oauth token required")
	}
	if cfg.Host == "" {
		cfg.Host = "irc.chat.twitch.tv"
	}
	if cfg.Port <= 0 {
		cfg.Port = 6697
	}
	if cfg.MaxSends <= 0 {
		cfg.MaxSends = 18
	}
	if cfg.SendWindow <= 0 {
		cfg.SendWindow = 30 * time.Second
	}
	if !strings.HasPrefix(cfg.Token, "oauth:") {
		cfg.Token = "oauth:" + cfg.Token
	}

	s := &Supervisor{
		cfg:          cfg,
		queue:        newSendQueue(),
		desired:      make(map[string]struct{}),
		joined:       make(map[string]struct{}),
		backoffFloor: backoffFloor,
		backoffCeil:  backoffCeil,
	}
	for _, ch := range cfg.Channels {
		if n := normalizeChannel(ch); n != "" {
			s.desired[n] = struct{}{}
		}
	}
	s.dial = cfg.Dial
	if s.dial == nil {
		s.dial = s.defaultDial
	}
	return s, nil
}

func normalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}

func (s *Supervisor) defaultDial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if s.cfg.PlainText {
		d := net.Dialer{Timeout: dialTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	d := tls.Dialer{NetDialer: &net.Dialer{Timeout: dialTimeout}}
	return d.DialContext(ctx, "tcp", addr)
}

// Start launches the supervisor loop in the background. Idempotent.
func (s *Supervisor) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()
	go s.run(ctx, done)
	slog.Info("irc supervisor started", slog.String("nick", s.cfg.Nick))
}

// Stop cancels both loops, closes the socket if open, and waits for the
// supervisor to settle back into Idle. Safe to call multiple times. Queued
// but unsent messages are kept for a later Start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.state = StateClosing
	cancel := s.cancel
	done := s.done
	conn := s.conn
	s.mu.Unlock()
	telemetry.SetConnState(int(StateClosing))

	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
	slog.Info("irc supervisor stopped")
}

// EnsureJoined adds channel to the desired set and, when connected, joins it
// immediately. Idempotent per channel. Connection trouble is handled by the
// reconnect cycle, never surfaced to the caller.
func (s *Supervisor) EnsureJoined(channel string) {
	ch := normalizeChannel(channel)
	if ch == "" {
		return
	}
	s.mu.Lock()
	s.desired[ch] = struct{}{}
	_, joined := s.joined[ch]
	live := s.conn != nil
	if live && !joined {
		s.joined[ch] = struct{}{}
	}
	s.mu.Unlock()

	if live && !joined {
		if err := s.send("JOIN #" + ch); err != nil {
			// The next session joins everything in the desired set anyway.
			slog.Warn("irc join failed; will retry on reconnect", slog.String("channel", ch), slog.Any("err", err))
			return
		}
		slog.Info("irc joined", slog.String("channel", ch))
	}
}

// EnqueueSend queues text for channel. It never blocks and never fails:
// backpressure is absorbed by the queue and delivery is asynchronous
// best-effort, in FIFO order.
func (s *Supervisor) EnqueueSend(channel, text string) {
	s.EnsureJoined(channel)
	s.queue.push(Message{Channel: normalizeChannel(channel), Text: text})
}

// IsConnected reports whether a live socket exists right now.
func (s *Supervisor) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Joined returns the channels confirmed joined in the current session, sorted.
func (s *Supervisor) Joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.joined))
	for ch := range s.joined {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// QueueDepth reports the number of queued outbound messages.
func (s *Supervisor) QueueDepth() int { return s.queue.len() }

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	telemetry.SetConnState(int(st))
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setState(StateIdle)

	backoff := s.backoffFloor
	for {
		if ctx.Err() != nil {
			return
		}
		ready, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("irc session ended", slog.Any("err", err))
		}
		if ready {
			// A full connect-to-ready cycle succeeded; later failures start
			// backing off from the floor again.
			backoff = s.backoffFloor
		}

		s.setState(StateReconnecting)
		telemetry.CountReconnect()
		slog.Info("irc reconnecting", slog.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.backoffCeil {
			backoff = s.backoffCeil
		}
	}
}

// session runs one connect cycle: dial, handshake, join, then the paired
// read/write loops until either fails. ready reports whether the cycle made
// it to Ready, which is what resets the backoff.
func (s *Supervisor) session(ctx context.Context) (ready bool, err error) {
	s.setState(StateConnecting)
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sctx, span := telemetry.StartSpan(sctx, "irc", "connect-cycle")
	defer span.End()

	conn, err := s.dial(sctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return false, fmt.Errorf("dial %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.joined = make(map[string]struct{})
		s.mu.Unlock()
	}()

	// Close the socket as soon as the session context ends so a blocked read
	// unwinds promptly on Stop or on the other loop's failure.
	go func() {
		<-sctx.Done()
		_ = conn.Close()
	}()

	// Handshake lines are never subject to the outbound throttle.
	s.setState(StateAuthenticating)
	for _, line := range []string{"PASS " + s.cfg.Token, "NICK " + s.cfg.Nick, capRequest} {
		if err := s.send(line); err != nil {
			telemetry.RecordError(span, err)
			return false, fmt.Errorf("handshake: %w", err)
		}
	}

	s.mu.Lock()
	chans := make([]string, 0, len(s.desired))
	for ch := range s.desired {
		chans = append(chans, ch)
	}
	s.mu.Unlock()
	sort.Strings(chans)
	for _, ch := range chans {
		if err := s.send("JOIN #" + ch); err != nil {
			telemetry.RecordError(span, err)
			return false, fmt.Errorf("join #%s: %w", ch, err)
		}
		s.mu.Lock()
		s.joined[ch] = struct{}{}
		s.mu.Unlock()
	}

	s.setState(StateReady)
	slog.Info("irc connected", slog.String("host", s.cfg.Host), slog.Int("channels", len(chans)))

	errc := make(chan error, 2)
	go func() { errc <- s.readLoop(sctx, conn) }()
	go func() { errc <- s.writeLoop(sctx) }()
	err = <-errc
	cancel() // stops the surviving loop; the watcher goroutine closes conn
	<-errc

	if ctx.Err() != nil {
		// Explicit stop, not a failure.
		telemetry.SetSpanSuccess(span)
		return true, nil
	}
	telemetry.RecordError(span, err)
	return true, err
}

// send writes one raw line to the live socket. All writers serialize here.
func (s *Supervisor) send(raw string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write([]byte(raw + "\r\n"))
	return err
}

func (s *Supervisor) readLoop(ctx context.Context, conn net.Conn) error {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			s.handleLine(ctx, strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return errors.New("irc: stream closed by server")
			}
			return err
		}
	}
}

func (s *Supervisor) handleLine(ctx context.Context, line string) {
	if line == "" {
		return
	}
	telemetry.CountLineReceived()

	// Keepalive: answered inline, out of band from the send queue. A PONG
	// starved behind a full queue gets the bot disconnected.
	if strings.HasPrefix(line, "PING") {
		payload := strings.TrimSpace(strings.TrimPrefix(line, "PING"))
		if payload == "" {
			payload = ":" + s.cfg.Host
		}
		if err := s.send("PONG " + payload); err != nil {
			slog.Warn("irc pong failed", slog.Any("err", err))
		}
		telemetry.CountPingAnswered()
		return
	}
	if strings.Contains(line, " JOIN #") {
		slog.Debug("irc join confirmed", slog.String("line", line))
		return
	}
	if s.cfg.Logger != nil {
		s.cfg.Logger.LogInbound(ctx, line)
	}
	if s.cfg.OnLine != nil {
		s.cfg.OnLine(line)
	}
}

func (s *Supervisor) writeLoop(ctx context.Context) error {
	for {
		msg, ok := s.queue.pop(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := s.throttleWait(ctx); err != nil {
			// Not sent; keep it at the head for the next session.
			s.queue.pushFront(msg)
			return err
		}
		if err := s.send("PRIVMSG #" + msg.Channel + " :" + msg.Text); err != nil {
			s.queue.pushFront(msg)
			return err
		}
		s.throttle.Record(time.Now())
		telemetry.CountLineSent()
		if s.cfg.Logger != nil {
			s.cfg.Logger.LogOutbound(ctx, msg.Channel, msg.Text)
		}
		slog.Debug("irc sent", slog.String("channel", msg.Channel))
	}
}

// throttleWait blocks until the send window has room. This bounds sustained
// throughput to MaxSends/SendWindow while allowing a full burst after a quiet
// period.
func (s *Supervisor) throttleWait(ctx context.Context) error {
	for {
		now := time.Now()
		s.throttle.Prune(now, s.cfg.SendWindow)
		if s.throttle.Len() < s.cfg.MaxSends {
			return nil
		}
		oldest, _ := s.throttle.Oldest()
		wait := s.cfg.SendWindow - now.Sub(oldest) + throttleMargin
		if wait < 0 {
			wait = 0
		}
		telemetry.ObserveThrottleWait(wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
