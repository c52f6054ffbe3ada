package callback

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/oauth-relay/pkg/audit"
	"github.com/txn2/oauth-relay/pkg/handoff"
)

const (
	testSuccessURL = "https://relay.example.com/login/success"
	testErrorURL   = "https://relay.example.com/login/error"
)

// fakeExchanger returns a canned grant or error without touching a provider.
type fakeExchanger struct {
	grant *Grant
	err   error

	gotCode string
}

func (f *fakeExchanger) Exchange(_ context.Context, code string) (*Grant, error) {
	f.gotCode = code
	if f.err != nil {
		return nil, f.err
	}
	return f.grant, nil
}

func testGrant() *Grant {
	return &Grant{
		AccessToken:  "T1",
		RefreshToken: "R1",
		ExpiresAt:    1700000000,
		User:         handoff.Identity{ID: "u1", Email: "u1@example.com", Handle: "u-one"},
	}
}

func newTestHandler(t *testing.T, ex TokenExchanger) (*Handler, *handoff.MemoryStore, *audit.MemoryLogger) {
	t.Helper()
	store := handoff.NewMemoryStore(5 * time.Minute)
	logger := audit.NewMemoryLogger(0)
	h := NewHandler(HandlerConfig{
		Store:      store,
		Exchanger:  ex,
		SuccessURL: testSuccessURL,
		ErrorURL:   testErrorURL,
		Audit:      logger,
	})
	return h, store, logger
}

func doCallback(h http.Handler, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

// errorReason parses the reason query parameter from a redirect Location.
func errorReason(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Query().Get("reason")
}

func TestCallback_Success(t *testing.T) {
	ex := &fakeExchanger{grant: testGrant()}
	h, store, logger := newTestHandler(t, ex)

	rr := doCallback(h, "/callback?code=the-code&state=sess-1")
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, testSuccessURL, rr.Header().Get("Location"))
	assert.Equal(t, "the-code", ex.gotCode)

	rec, err := store.Consume(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "T1", rec.AccessToken)
	assert.Equal(t, "R1", rec.RefreshToken)
	assert.Equal(t, int64(1700000000), rec.ExpiresAt)
	assert.Equal(t, "u1", rec.User.ID)

	events, err := logger.Query(context.Background(), audit.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionFulfilled, events[0].Action)
	assert.True(t, events[0].Success)
	assert.Equal(t, audit.HashSessionID("sess-1"), events[0].SessionHash)
}

func TestCallback_ProviderError(t *testing.T) {
	ex := &fakeExchanger{grant: testGrant()}
	h, store, logger := newTestHandler(t, ex)

	rr := doCallback(h, "/callback?error=access_denied&error_description=user+said+no&state=sess-1")
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "provider_error", errorReason(t, rr))
	assert.Empty(t, ex.gotCode, "a provider error must not trigger an exchange")

	rec, err := store.Consume(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Nil(t, rec, "no record may be written on provider error")

	events, err := logger.Query(context.Background(), audit.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionError, events[0].Action)
	assert.False(t, events[0].Success)
}

func TestCallback_MissingParams(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"missing code", "/callback?state=sess-1"},
		{"missing state", "/callback?code=the-code"},
		{"missing both", "/callback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, store, _ := newTestHandler(t, &fakeExchanger{grant: testGrant()})

			rr := doCallback(h, tt.target)
			require.Equal(t, http.StatusFound, rr.Code)
			assert.Equal(t, "invalid_request", errorReason(t, rr))

			rec, err := store.Consume(context.Background(), "sess-1")
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestCallback_ExchangeFailure(t *testing.T) {
	ex := &fakeExchanger{err: errors.New("provider unreachable")}
	h, store, logger := newTestHandler(t, ex)

	rr := doCallback(h, "/callback?code=the-code&state=sess-1")
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "exchange_failed", errorReason(t, rr))

	rec, err := store.Consume(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	events, err := logger.Query(context.Background(), audit.QueryFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionError, events[0].Action)
}

func TestCallback_DuplicateSession(t *testing.T) {
	ex := &fakeExchanger{grant: testGrant()}
	h, store, logger := newTestHandler(t, ex)

	rr := doCallback(h, "/callback?code=code-1&state=sess-1")
	require.Equal(t, http.StatusFound, rr.Code)
	require.Equal(t, testSuccessURL, rr.Header().Get("Location"))

	// Replaying the callback for a fulfilled session must not clobber it.
	rr = doCallback(h, "/callback?code=code-2&state=sess-1")
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "duplicate_session", errorReason(t, rr))

	rec, err := store.Consume(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "T1", rec.AccessToken, "the original record survives the replay")

	events, err := logger.Query(context.Background(), audit.QueryFilter{Action: audit.ActionDuplicate})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestCallback_StorageError(t *testing.T) {
	ex := &fakeExchanger{grant: testGrant()}
	store := failingStore{}
	h := NewHandler(HandlerConfig{
		Store:      store,
		Exchanger:  ex,
		SuccessURL: testSuccessURL,
		ErrorURL:   testErrorURL,
	})

	rr := doCallback(h, "/callback?code=the-code&state=sess-1")
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "storage_error", errorReason(t, rr))
}

func TestCallback_MethodNotAllowed(t *testing.T) {
	h, _, _ := newTestHandler(t, &fakeExchanger{grant: testGrant()})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/callback?code=c&state=s", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestCallback_ErrorURLWithExistingQuery(t *testing.T) {
	h := NewHandler(HandlerConfig{
		Store:      handoff.NewMemoryStore(time.Minute),
		Exchanger:  &fakeExchanger{grant: testGrant()},
		SuccessURL: testSuccessURL,
		ErrorURL:   testErrorURL + "?lang=en",
	})

	rr := doCallback(h, "/callback")
	require.Equal(t, http.StatusFound, rr.Code)

	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "en", loc.Query().Get("lang"))
	assert.Equal(t, "invalid_request", loc.Query().Get("reason"))
}

// failingStore simulates an unreachable backing store.
type failingStore struct{}

func (failingStore) Put(context.Context, *handoff.Record) error { return errors.New("store down") }
func (failingStore) Consume(context.Context, string) (*handoff.Record, error) {
	return nil, errors.New("store down")
}
func (failingStore) Delete(context.Context, string) error { return errors.New("store down") }
func (failingStore) Cleanup(context.Context) error { return errors.New("store down") }
func (failingStore) Close() error { return nil }
