package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testCredentials() Credentials {
	return Credentials{
		AccessToken:  "T1",
		RefreshToken: "R1",
		ExpiresAt:    1700000000,
	}
}

// newFakeRelay serves /session, answering 404 until notFoundPolls attempts
// have been made and the canned credentials afterwards.
func newFakeRelay(t *testing.T, notFoundPolls int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		if int(polls.Add(1)) <= notFoundPolls {
			http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(testCredentials())
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func newTestClient(baseURL string) *Client {
	return New(Config{
		BaseURL:  baseURL,
		Interval: 5 * time.Millisecond,
	})
}

func TestNewSessionID(t *testing.T) {
	a, err := NewSessionID()
	require.NoError(t, err)
	assert.Len(t, a, 64, "32 random bytes hex encoded")

	b, err := NewSessionID()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAuthorizationURL(t *testing.T) {
	cfg := &oauth2.Config{
		ClientID:    "client-id",
		RedirectURL: "https://relay.example.com/callback",
		Scopes:      []string{"openid"},
		Endpoint: oauth2.Endpoint{
			AuthURL: "https://idp.example.com/authorize",
		},
	}

	u := AuthorizationURL(cfg, "sess-1")
	assert.Contains(t, u, "https://idp.example.com/authorize")
	assert.Contains(t, u, "state=sess-1")
	assert.Contains(t, u, "client_id=client-id")
	assert.Contains(t, u, "access_type=offline")
}

func TestClient_WaitImmediate(t *testing.T) {
	srv, polls := newFakeRelay(t, 0)
	c := newTestClient(srv.URL)

	creds, err := c.Wait(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, testCredentials(), *creds)
	assert.Equal(t, int32(1), polls.Load())
}

func TestClient_WaitRetriesNotFound(t *testing.T) {
	srv, polls := newFakeRelay(t, 3)
	c := newTestClient(srv.URL)

	creds, err := c.Wait(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "T1", creds.AccessToken)
	assert.Equal(t, int32(4), polls.Load())
}

func TestClient_WaitRetriesServerErrors(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) <= 2 {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(testCredentials())
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(srv.URL)
	creds, err := c.Wait(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "T1", creds.AccessToken)
}

func TestClient_WaitDeadline(t *testing.T) {
	srv, _ := newFakeRelay(t, 1_000_000)
	c := newTestClient(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Wait(ctx, "sess-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_WaitRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"session_id is required"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(srv.URL)
	_, err := c.Wait(context.Background(), "sess-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded, "a 4xx rejection is permanent")
}

func TestClient_Cancel(t *testing.T) {
	var method atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(srv.URL)
	require.NoError(t, c.Cancel(context.Background(), "sess-1"))
	assert.Equal(t, http.MethodDelete, method.Load())
}

func TestClient_CancelRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(srv.URL)
	assert.Error(t, c.Cancel(context.Background(), "sess-1"))
}

func TestClient_SessionIDEscaping(t *testing.T) {
	var gotID atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID.Store(r.URL.Query().Get("session_id"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(testCredentials())
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(srv.URL)
	_, err := c.Wait(context.Background(), "sess/+&1")
	require.NoError(t, err)
	assert.Equal(t, "sess/+&1", gotID.Load())
}
