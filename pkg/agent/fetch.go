package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// maxErrorBodyBytes bounds how much of an error response body is read when
// classifying it. Anything larger is not a token error.
const maxErrorBodyBytes = 10 * 1024

// Server error discriminators recognized by the pipeline.
const (
	errCodeExpiredToken = "EXPIRED_TOKEN"
	errCodeInvalidToken = "INVALID_TOKEN"
)

// Do dispatches an authenticated request. The request URL's path and query
// are taken from req; the origin and any path prefix come from the agent's
// resolved endpoint. Behaviour:
//
//  1. an in-flight refresh is awaited first, so the request uses its result;
//  2. with no access token held, or a caller-supplied Authorization header,
//     the request is dispatched as-is;
//  3. an expired-token response triggers one refresh and one retry, and the
//     caller observes only the retried result;
//  4. when the refresh fails, the caller context is already canceled, or the
//     body cannot be replayed, the original response is returned unchanged.
//
// Requests with a body should set req.GetBody (http.NewRequest does this for
// common body types); a one-shot body is never replayed.
func (a *Agent) Do(req *http.Request) (*http.Response, error) {
	a.awaitRefresh()

	sess, _ := a.CurrentSession()
	first := a.rebuild(req, req.Body)
	if sess.AccessToken == "" || req.Header.Get("Authorization") != "" {
		return a.client.Do(first)
	}
	first.Header.Set("Authorization", "Bearer "+sess.AccessToken)

	res, err := a.client.Do(first)
	if err != nil {
		return nil, err
	}

	expired, res := isExpiredTokenResponse(res)
	if !expired || sess.RefreshToken == "" {
		return res, nil
	}

	// The refresh is shared state: it must not die with this caller, other
	// requests may be waiting on it.
	if err := a.RefreshSession(context.WithoutCancel(req.Context())); err != nil {
		a.logger.Debug("refresh after expired token failed", zap.Error(err))
		return res, nil
	}

	if req.Context().Err() != nil {
		return res, nil
	}
	if req.Body != nil && req.GetBody == nil {
		// One-shot stream, already consumed by the first attempt.
		return res, nil
	}

	var retryBody io.ReadCloser
	if req.GetBody != nil {
		retryBody, err = req.GetBody()
		if err != nil {
			return res, nil
		}
	}

	// The stale response is dropped; release it before redispatching.
	io.Copy(io.Discard, io.LimitReader(res.Body, maxErrorBodyBytes)) //nolint:errcheck
	res.Body.Close()

	sess, _ = a.CurrentSession()
	retry := a.rebuild(req, retryBody)
	retry.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	return a.client.Do(retry)
}

// awaitRefresh blocks until any in-flight refresh completes.
func (a *Agent) awaitRefresh() {
	a.state.mu.Lock()
	op := a.state.refresh
	a.state.mu.Unlock()
	if op != nil {
		<-op.done
	}
}

// rebuild clones the request against the currently resolved endpoint. The
// endpoint is re-read on every call because a refresh may have migrated it.
// The request path is taken as service-relative; a copy of the base's own
// path prefix is stripped first so it cannot double up.
func (a *Agent) rebuild(req *http.Request, body io.ReadCloser) *http.Request {
	base := a.currentBase()

	out := req.Clone(req.Context())
	u := base.JoinPath(trimBasePath(base, req.URL.Path))
	if !strings.HasPrefix(u.Path, "/") {
		// JoinPath on a path-less base yields a relative path; the outgoing
		// request line needs it absolute.
		u.Path = "/" + u.Path
	}
	u.RawQuery = req.URL.RawQuery
	out.URL = u
	out.Host = ""
	out.Body = body
	if body == nil {
		out.ContentLength = 0
	}
	return out
}

// trimBasePath strips base's path prefix from p, so callers may build
// requests against the full service URL including its prefix.
func trimBasePath(base *url.URL, p string) string {
	prefix := strings.TrimSuffix(base.Path, "/")
	if prefix == "" || !strings.HasPrefix(p, prefix) {
		return p
	}
	rest := p[len(prefix):]
	if rest == "" || strings.HasPrefix(rest, "/") {
		return rest
	}
	return p
}

// isExpiredTokenResponse reports whether a response carries the expired
// access token discriminator. Only a bounded prefix of the body is examined,
// and the returned response has that prefix stitched back so the caller still
// sees the full body.
func isExpiredTokenResponse(res *http.Response) (bool, *http.Response) {
	if res.StatusCode != http.StatusBadRequest && res.StatusCode != http.StatusUnauthorized {
		return false, res
	}
	contentType := res.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return false, res
	}
	if res.ContentLength > maxErrorBodyBytes {
		return false, res
	}

	prefix, err := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyBytes))
	res.Body = &stitchedBody{
		Reader: io.MultiReader(bytes.NewReader(prefix), res.Body),
		closer: res.Body,
	}
	if err != nil {
		return false, res
	}

	var env envelope
	if json.Unmarshal(prefix, &env) != nil || env.Error == nil {
		return false, res
	}
	return env.Error.Code == errCodeExpiredToken, res
}

// stitchedBody re-attaches an already-read prefix in front of the remaining
// body stream.
type stitchedBody struct {
	io.Reader
	closer io.Closer
}

func (b *stitchedBody) Close() error {
	return b.closer.Close()
}
