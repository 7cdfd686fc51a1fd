package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal session API used by agent tests. It issues
// sequentially numbered tokens and counts refresh calls.
type fakeServer struct {
	mu           sync.Mutex
	refreshCalls int32
	logoutCalls  int32
	refreshHold  chan struct{} // when set, refresh blocks until closed
	refreshFail  *apiError     // when set, refresh fails with this error
	serviceDoc   json.RawMessage
	tokenSeq     int
}

func (f *fakeServer) nextPair() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenSeq++
	n := strconv.Itoa(f.tokenSeq)
	return "access-" + n, "refresh-" + n
}

func writeEnvelope(w http.ResponseWriter, status int, data interface{}, apiErr *apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]interface{}{}
	if data != nil {
		payload["data"] = data
	}
	if apiErr != nil {
		payload["error"] = apiErr
	}
	json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			access, refresh := f.nextPair()
			f.mu.Lock()
			doc := f.serviceDoc
			f.mu.Unlock()
			writeEnvelope(w, http.StatusOK, map[string]interface{}{
				"access_token":  access,
				"refresh_token": refresh,
				"subject":       "did:example:alice",
				"handle":        "alice",
				"active":        true,
				"status":        "active",
				"service_doc":   doc,
			}, nil)
		case http.MethodGet:
			writeEnvelope(w, http.StatusOK, map[string]interface{}{
				"subject": "did:example:alice",
				"handle":  "alice",
				"active":  true,
				"status":  "active",
			}, nil)
		case http.MethodDelete:
			atomic.AddInt32(&f.logoutCalls, 1)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/session/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.refreshCalls, 1)
		f.mu.Lock()
		hold := f.refreshHold
		fail := f.refreshFail
		f.mu.Unlock()
		if hold != nil {
			<-hold
		}
		if fail != nil {
			writeEnvelope(w, http.StatusBadRequest, nil, fail)
			return
		}
		access, refresh := f.nextPair()
		f.mu.Lock()
		doc := f.serviceDoc
		f.mu.Unlock()
		writeEnvelope(w, http.StatusOK, map[string]interface{}{
			"access_token":  access,
			"refresh_token": refresh,
			"subject":       "did:example:alice",
			"handle":        "alice",
			"active":        true,
			"status":        "active",
			"service_doc":   doc,
		}, nil)
	})
	return mux
}

func newTestAgent(t *testing.T, srv *httptest.Server) *Agent {
	t.Helper()
	a, err := New(Config{Service: srv.URL})
	require.NoError(t, err)
	return a
}

func TestLoginInstallsSession(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := newTestAgent(t, srv)
	sess, err := a.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "did:example:alice", sess.Subject)
	assert.NotEmpty(t, sess.AccessToken)
	assert.NotEmpty(t, sess.RefreshToken)
	assert.True(t, a.HasSession())
}

func TestRefreshSessionSingleFlight(t *testing.T) {
	fake := &fakeServer{refreshHold: make(chan struct{})}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := newTestAgent(t, srv)
	_, err := a.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = a.RefreshSession(context.Background())
		}(i)
	}

	// Give the joiners time to pile onto the pending operation, then let
	// the refresh complete.
	time.Sleep(50 * time.Millisecond)
	close(fake.refreshHold)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.refreshCalls))
}

func TestRefreshSessionAfterFailureStartsFresh(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := newTestAgent(t, srv)
	_, err := a.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)

	// A transient server failure leaves the session intact and clears the
	// single-flight slot so the next call starts a new refresh.
	fake.mu.Lock()
	fake.refreshFail = &apiError{Code: "INTERNAL_ERROR", Message: "boom"}
	fake.mu.Unlock()
	require.Error(t, a.RefreshSession(context.Background()))
	assert.True(t, a.HasSession())

	fake.mu.Lock()
	fake.refreshFail = nil
	fake.mu.Unlock()
	require.NoError(t, a.RefreshSession(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.refreshCalls))
}

func TestRefreshSessionDefinitiveRejectionClearsSession(t *testing.T) {
	fake := &fakeServer{refreshFail: &apiError{Code: "EXPIRED_TOKEN"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := newTestAgent(t, srv)
	_, err := a.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)

	err = a.RefreshSession(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, a.HasSession())
}

func TestRefreshCompletionAfterLogoutIsDropped(t *testing.T) {
	fake := &fakeServer{refreshHold: make(chan struct{})}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := newTestAgent(t, srv)
	_, err := a.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.RefreshSession(context.Background()) }()

	// Wait for the refresh to reach the server, then log out from under it.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fake.refreshCalls) == 1
	}, time.Second, 5*time.Millisecond)
	a.Logout(context.Background())
	assert.False(t, a.HasSession())

	close(fake.refreshHold)
	require.NoError(t, <-done)

	// The stale refresh result must not resurrect the logged-out session.
	assert.False(t, a.HasSession())
}

func TestLogoutClearsSessionDespiteServerError(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())

	a := newTestAgent(t, srv)
	_, err := a.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)

	// Take the server down so the revoke call fails on the network.
	srv.Close()
	a.Logout(context.Background())
	assert.False(t, a.HasSession())
}

func TestCloneSharesSession(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := newTestAgent(t, srv)
	clone := a.Clone()

	_, err := a.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	assert.True(t, clone.HasSession())

	// A refresh through the clone is observed by the original.
	before, _ := a.CurrentSession()
	require.NoError(t, clone.RefreshSession(context.Background()))
	after, _ := a.CurrentSession()
	assert.NotEqual(t, before.AccessToken, after.AccessToken)
}

func TestResumeSessionVerifiesCredentials(t *testing.T) {
	fake := &fakeServer{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := newTestAgent(t, srv)
	sess, err := a.ResumeSession(context.Background(), "stored-access", "stored-refresh")
	require.NoError(t, err)
	assert.Equal(t, "did:example:alice", sess.Subject)
	assert.Equal(t, "alice", sess.Handle)
	assert.Equal(t, "stored-access", sess.AccessToken)
}

func TestServiceURLPathPrefixIsKept(t *testing.T) {
	fake := &fakeServer{}
	mux := http.NewServeMux()
	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", fake.handler()))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// The session routes only exist under the prefix, so every call below
	// fails unless the agent keeps it.
	a, err := New(Config{Service: srv.URL + "/api/v1"})
	require.NoError(t, err)

	sess, err := a.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.AccessToken)

	require.NoError(t, a.RefreshSession(context.Background()))

	a.Logout(context.Background())
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.logoutCalls))
}

func TestParseServiceEndpoint(t *testing.T) {
	valid := json.RawMessage(`{
		"id": "did:example:alice",
		"service": [{"id": "#account_server", "type": "FederatedAccountServer", "serviceEndpoint": "https://pds.example.com"}]
	}`)
	u, ok := parseServiceEndpoint(valid)
	require.True(t, ok)
	assert.Equal(t, "pds.example.com", u.Host)

	for name, doc := range map[string]json.RawMessage{
		"not json":       json.RawMessage(`{{`),
		"no services":    json.RawMessage(`{"id": "did:example:alice", "service": []}`),
		"wrong type":     json.RawMessage(`{"service": [{"type": "Other", "serviceEndpoint": "https://x.example"}]}`),
		"relative url":   json.RawMessage(`{"service": [{"type": "FederatedAccountServer", "serviceEndpoint": "/relative"}]}`),
		"bad scheme":     json.RawMessage(`{"service": [{"type": "FederatedAccountServer", "serviceEndpoint": "ftp://x.example"}]}`),
		"empty endpoint": json.RawMessage(`{"service": [{"type": "FederatedAccountServer", "serviceEndpoint": ""}]}`),
	} {
		_, ok := parseServiceEndpoint(doc)
		assert.False(t, ok, name)
	}
}

func TestMalformedServiceDocClearsOverride(t *testing.T) {
	fake := &fakeServer{serviceDoc: json.RawMessage(`{
		"service": [{"type": "FederatedAccountServer", "serviceEndpoint": "https://pds.example.com"}]
	}`)}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := newTestAgent(t, srv)
	_, err := a.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	a.state.mu.Lock()
	require.NotNil(t, a.state.endpoint)
	a.state.mu.Unlock()

	// A malformed document on the next login falls back to the configured
	// service URL instead of keeping the stale override.
	fake.mu.Lock()
	fake.serviceDoc = json.RawMessage(`{"service": "not-an-array"}`)
	fake.mu.Unlock()
	_, err = a.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	a.state.mu.Lock()
	assert.Nil(t, a.state.endpoint)
	a.state.mu.Unlock()
}
