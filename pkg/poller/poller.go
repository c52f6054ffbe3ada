// Package poller implements the CLI side of the handoff protocol: generate
// a session ID, send the user's browser to the provider with that ID as the
// OAuth state, then poll the relay until it hands over tokens. The relay
// holds no per-poller state; the caller's context deadline is the only
// thing that bounds the loop.
package poller

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/txn2/oauth-relay/pkg/handoff"
)

const (
	// sessionIDBytes gives 256 bits of entropy; brute-force discovery
	// within a minutes-long TTL is infeasible.
	sessionIDBytes = 32

	// DefaultInterval is the pause between poll attempts.
	DefaultInterval = 2 * time.Second
)

// errNotReady marks a poll attempt that should simply be retried: the
// session is pending, gone, or the relay was momentarily unreachable.
var errNotReady = errors.New("session not ready")

// Credentials is the payload returned by a successful poll.
type Credentials struct {
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token"`
	ExpiresAt    int64            `json:"expires_at"`
	User         handoff.Identity `json:"user"`
}

// NewSessionID returns a cryptographically random session identifier.
func NewSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// AuthorizationURL builds the provider authorization URL the CLI opens in
// the browser, carrying the session ID as the OAuth state parameter.
func AuthorizationURL(cfg *oauth2.Config, sessionID string) string {
	return cfg.AuthCodeURL(sessionID, oauth2.AccessTypeOffline)
}

// Client polls the relay for a fulfilled session.
type Client struct {
	baseURL    string
	httpClient *http.Client
	interval   time.Duration
}

// Config configures a Client.
type Config struct {
	// BaseURL is the relay's base URL, without the /session path.
	BaseURL string

	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client

	// Interval is the pause between poll attempts. Zero uses
	// DefaultInterval.
	Interval time.Duration
}

// New creates a poller client.
func New(cfg Config) *Client {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: client,
		interval:   interval,
	}
}

// Wait polls until the session is fulfilled or ctx is done. A 404 carries
// no distinction between "browser step pending" and "session gone", so the
// caller must bound the wait with a context deadline.
func (c *Client) Wait(ctx context.Context, sessionID string) (*Credentials, error) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		creds, err := c.poll(ctx, sessionID)
		switch {
		case err == nil:
			return creds, nil
		case errors.Is(err, errNotReady):
			slog.Debug("poller: session not ready", "error", err)
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll issues a single GET. Transient failures (404, 5xx, transport
// errors) come back wrapped in errNotReady; anything else is permanent.
func (c *Client) poll(ctx context.Context, sessionID string) (*Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL(sessionID), nil)
	if err != nil {
		return nil, fmt.Errorf("creating poll request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNotReady, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		var creds Credentials
		if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
			return nil, fmt.Errorf("parsing poll response: %w", err)
		}
		return &creds, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, errNotReady
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: relay returned %d", errNotReady, resp.StatusCode)
	default:
		return nil, fmt.Errorf("poll rejected: %d", resp.StatusCode)
	}
}

// Cancel tells the relay to drop the session. Cancelling a session that
// does not exist succeeds.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.sessionURL(sessionID), nil)
	if err != nil {
		return fmt.Errorf("creating cancel request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancelling session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel rejected: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) sessionURL(sessionID string) string {
	return c.baseURL + "/session?session_id=" + url.QueryEscape(sessionID)
}
