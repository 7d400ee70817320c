// Package twitchapi holds the small Twitch HTTP surface the bot needs.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultValidateURL = "https://id.twitch.tv/oauth2/validate"

// ErrInvalidToken marks a token Twitch rejected outright, as opposed to a
// transient HTTP failure. Callers treat it as a fatal configuration error.
var ErrInvalidToken = errors.New("twitchapi: oauth token rejected")

// Validation is the identity behind a user OAuth token.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// Validator checks user OAuth tokens against the Twitch id service.
type Validator struct {
	HTTPClient *http.Client
	URL        string // override for tests; defaults to the Twitch endpoint
}

// Validate resolves the login and scopes behind token. The "oauth:" prefix
// used on the IRC wire is stripped before the call.
func (v *Validator) Validate(ctx context.Context, token string) (*Validation, error) {
	token = strings.TrimPrefix(token, "oauth:")
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	u := v.URL
	if u == "" {
		u = defaultValidateURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+token)

	hc := v.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 8 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch validate request failed: %s: %s", resp.Status, string(b))
	}

	var val Validation
	if err := json.NewDecoder(resp.Body).Decode(&val); err != nil {
		return nil, fmt.Errorf("decode validate response: %w", err)
	}
	return &val, nil
}

// HasChatScopes reports whether the validated token can read and write chat.
func (val *Validation) HasChatScopes() bool {
	read, edit := false, false
	for _, s := range val.Scopes {
		switch s {
		case "chat:read":
			read = true
		case "chat:edit":
			edit = true
		}
	}
	return read && edit
}
