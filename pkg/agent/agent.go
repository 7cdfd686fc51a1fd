// Package agent is the client library for the session API. An Agent holds
// one live session, keeps at most one token refresh in flight, and wraps
// outbound requests so an expired access token is refreshed and the request
// retried transparently.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors surfaced by the agent.
var (
	// ErrNotLoggedIn is returned when an operation requires a session and
	// none is held.
	ErrNotLoggedIn = errors.New("agent: not logged in")
	// ErrSessionExpired is returned when the server definitively rejects
	// the refresh token; the session has been cleared and the user must
	// authenticate again.
	ErrSessionExpired = errors.New("agent: session expired")
)

// Session is the client-held credential state. Agents hand out copies;
// callers must re-read via CurrentSession rather than cache fields, since a
// concurrent refresh replaces them.
type Session struct {
	AccessToken  string
	RefreshToken string
	Subject      string
	Handle       string
	Active       bool
	Status       string
}

// refreshOp is the single-flight slot: callers that find one pending await
// its done channel and share its outcome.
type refreshOp struct {
	done chan struct{}
	err  error
}

// Config configures an Agent.
type Config struct {
	// Service is the base URL of the session API.
	Service string
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	// Logger is optional.
	Logger *zap.Logger
}

// Agent owns a session and dispatches authenticated requests. It is safe for
// concurrent use; clones created with Clone share the same session state, so
// one refresh benefits all of them.
type Agent struct {
	state  *sessionState
	client *http.Client
	logger *zap.Logger
}

// sessionState is the shared cell behind an agent and its clones. The
// generation counter fences async completions: an operation captures the
// generation it started under and applies its result only while it still
// matches, so a login or logout that happened meanwhile is never overwritten
// by a stale refresh.
type sessionState struct {
	mu         sync.Mutex
	session    Session
	generation uint64
	endpoint   *url.URL // resolved service override, nil when none
	base       *url.URL // configured service URL
	refresh    *refreshOp
}

// New creates an Agent pointed at the given service URL.
func New(cfg Config) (*Agent, error) {
	base, err := url.Parse(cfg.Service)
	if err != nil {
		return nil, fmt.Errorf("agent: parse service url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("agent: service url %q must be absolute", cfg.Service)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		state:  &sessionState{base: base},
		client: client,
		logger: logger,
	}, nil
}

// Clone returns an agent sharing this agent's session. A refresh performed
// through either is observed by both.
func (a *Agent) Clone() *Agent {
	return &Agent{state: a.state, client: a.client, logger: a.logger}
}

// CurrentSession returns a snapshot of the held session. The second return
// value is false when no session is held.
func (a *Agent) CurrentSession() (Session, bool) {
	a.state.mu.Lock()
	defer a.state.mu.Unlock()
	return a.state.session, a.state.session.AccessToken != ""
}

// HasSession reports whether the agent currently holds credentials.
func (a *Agent) HasSession() bool {
	_, ok := a.CurrentSession()
	return ok
}

// sessionResponse mirrors the server's session payload.
type sessionResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	Subject      string          `json:"subject"`
	Handle       string          `json:"handle"`
	Active       bool            `json:"active"`
	Status       string          `json:"status"`
	ServiceDoc   json.RawMessage `json:"service_doc,omitempty"`
}

// accountResponse mirrors the server's GET /session payload.
type accountResponse struct {
	Subject string `json:"subject"`
	Handle  string `json:"handle"`
	Active  bool   `json:"active"`
	Status  string `json:"status"`
}

// envelope is the server's response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *apiError       `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("agent: server error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("agent: server error %s", e.Code)
}

// Login authenticates with the service and installs the resulting session,
// replacing whatever session was held before.
func (a *Agent) Login(ctx context.Context, identifier, password string) (Session, error) {
	body, err := json.Marshal(map[string]string{
		"identifier": identifier,
		"password":   password,
	})
	if err != nil {
		return Session{}, fmt.Errorf("agent: encode login payload: %w", err)
	}

	var res sessionResponse
	if err := a.call(ctx, http.MethodPost, "/session", "", bytes.NewReader(body), &res); err != nil {
		return Session{}, err
	}

	a.state.mu.Lock()
	defer a.state.mu.Unlock()
	a.state.generation++
	a.state.session = Session{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Subject:      res.Subject,
		Handle:       res.Handle,
		Active:       res.Active,
		Status:       res.Status,
	}
	a.applyServiceDocLocked(res.ServiceDoc)
	return a.state.session, nil
}

// ResumeSession installs previously persisted credentials and verifies them
// against the server. An expired access token is not fatal: the next request
// through the agent refreshes it.
func (a *Agent) ResumeSession(ctx context.Context, accessToken, refreshToken string) (Session, error) {
	a.state.mu.Lock()
	a.state.generation++
	a.state.session = Session{AccessToken: accessToken, RefreshToken: refreshToken}
	gen := a.state.generation
	a.state.mu.Unlock()

	var res accountResponse
	err := a.call(ctx, http.MethodGet, "/session", accessToken, nil, &res)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Code == errCodeExpiredToken {
			if refreshErr := a.RefreshSession(ctx); refreshErr != nil {
				return Session{}, refreshErr
			}
			sess, _ := a.CurrentSession()
			return sess, nil
		}
		return Session{}, err
	}

	a.state.mu.Lock()
	defer a.state.mu.Unlock()
	if a.state.generation != gen {
		return a.state.session, nil
	}
	a.state.session.Subject = res.Subject
	a.state.session.Handle = res.Handle
	a.state.session.Active = res.Active
	a.state.session.Status = res.Status
	return a.state.session, nil
}

// Logout revokes the session server-side and clears it locally. The local
// session is cleared even when the revoke call fails; sign-out is
// unconditional.
func (a *Agent) Logout(ctx context.Context) {
	a.state.mu.Lock()
	refreshToken := a.state.session.RefreshToken
	a.state.generation++
	a.state.session = Session{}
	a.state.endpoint = nil
	a.state.mu.Unlock()

	if refreshToken == "" {
		return
	}
	if err := a.call(ctx, http.MethodDelete, "/session", refreshToken, nil, nil); err != nil {
		a.logger.Debug("logout notify failed", zap.Error(err))
	}
}

// RefreshSession exchanges the held refresh token for a new token pair. If a
// refresh is already in flight the caller joins it and shares its outcome.
// On a definitive rejection the session is cleared and ErrSessionExpired is
// returned; on transient failure the session is left untouched.
func (a *Agent) RefreshSession(ctx context.Context) error {
	a.state.mu.Lock()
	if op := a.state.refresh; op != nil {
		a.state.mu.Unlock()
		<-op.done
		return op.err
	}
	if a.state.session.RefreshToken == "" {
		a.state.mu.Unlock()
		return ErrNotLoggedIn
	}
	op := &refreshOp{done: make(chan struct{})}
	a.state.refresh = op
	gen := a.state.generation
	refreshToken := a.state.session.RefreshToken
	a.state.mu.Unlock()

	err := a.doRefresh(ctx, refreshToken, gen)

	// Clear the slot before resolving so a caller woken by done can start
	// a fresh refresh immediately.
	a.state.mu.Lock()
	a.state.refresh = nil
	a.state.mu.Unlock()
	op.err = err
	close(op.done)
	return err
}

func (a *Agent) doRefresh(ctx context.Context, refreshToken string, gen uint64) error {
	var res sessionResponse
	err := a.call(ctx, http.MethodPost, "/session/refresh", refreshToken, nil, &res)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && (apiErr.Code == errCodeExpiredToken || apiErr.Code == errCodeInvalidToken) {
			a.state.mu.Lock()
			if a.state.generation == gen {
				a.state.session = Session{}
			}
			a.state.mu.Unlock()
			return ErrSessionExpired
		}
		return err
	}

	a.state.mu.Lock()
	defer a.state.mu.Unlock()
	if a.state.generation != gen {
		// A login or logout superseded this session while the refresh was
		// in flight; drop the stale result.
		return nil
	}
	a.state.session = Session{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Subject:      res.Subject,
		Handle:       res.Handle,
		Active:       res.Active,
		Status:       res.Status,
	}
	a.applyServiceDocLocked(res.ServiceDoc)
	return nil
}

// call performs one JSON request against the resolved endpoint and decodes
// the envelope into out.
func (a *Agent) call(ctx context.Context, method, path, bearer string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, a.resolveURL(path), body)
	if err != nil {
		return fmt.Errorf("agent: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	res, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent: %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNoContent {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(res.Body, maxErrorBodyBytes)).Decode(&env); err != nil {
		if res.StatusCode >= 400 {
			return fmt.Errorf("agent: %s %s: status %d", method, path, res.StatusCode)
		}
		return fmt.Errorf("agent: decode response: %w", err)
	}
	if env.Error != nil {
		return env.Error
	}
	if res.StatusCode >= 400 {
		return fmt.Errorf("agent: %s %s: status %d", method, path, res.StatusCode)
	}
	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("agent: decode response data: %w", err)
		}
	}
	return nil
}

// currentBase returns the service base requests resolve against, preferring
// the service-document override when one is set.
func (a *Agent) currentBase() *url.URL {
	a.state.mu.Lock()
	defer a.state.mu.Unlock()
	if a.state.endpoint != nil {
		return a.state.endpoint
	}
	return a.state.base
}

// resolveURL joins a path onto the current endpoint, keeping any path prefix
// the service URL carries.
func (a *Agent) resolveURL(path string) string {
	return a.currentBase().JoinPath(path).String()
}
