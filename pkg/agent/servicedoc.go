package agent

import (
	"bytes"
	"encoding/json"
	"net/url"
)

const accountServiceType = "FederatedAccountServer"

type serviceDoc struct {
	ID      string `json:"id"`
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

// applyServiceDocLocked updates the resolved endpoint from a service
// document attached to a login or refresh response. A well-formed document
// installs its endpoint as the dispatch target; a malformed one clears any
// prior override so the agent falls back to the configured service URL
// rather than keep dispatching to a stale endpoint. Callers hold state.mu.
func (a *Agent) applyServiceDocLocked(raw json.RawMessage) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return
	}
	endpoint, ok := parseServiceEndpoint(raw)
	if !ok {
		a.logger.Debug("malformed service document, clearing endpoint override")
		a.state.endpoint = nil
		return
	}
	a.state.endpoint = endpoint
}

// parseServiceEndpoint extracts the account-server endpoint from a service
// document. It returns false when the document or the endpoint URL is
// malformed.
func parseServiceEndpoint(raw json.RawMessage) (*url.URL, bool) {
	var doc serviceDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false
	}
	for _, svc := range doc.Service {
		if svc.Type != accountServiceType {
			continue
		}
		u, err := url.Parse(svc.ServiceEndpoint)
		if err != nil {
			return nil, false
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, false
		}
		return u, true
	}
	return nil, false
}
