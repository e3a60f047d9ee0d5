package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProbeResult reports whether the agent already holds an authorization for us.
type ProbeResult struct {
	Authorized bool `json:"isConnected"`
}

// AccessResult is the agent's answer to an access or address request. The
// agent reports failures as free text in Error rather than as a call error.
type AccessResult struct {
	Address string `json:"address,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Agent is the external signing agent (a browser wallet such as Freighter,
// reached through a bridge). Implementations should honour ctx, but Session
// does not rely on it.
type Agent interface {
	Probe(ctx context.Context) (ProbeResult, error)
	RequestAccess(ctx context.Context) (AccessResult, error)
	CurrentAddress(ctx context.Context) (AccessResult, error)
}

// HTTPAgent talks to a local wallet bridge exposing the agent over JSON/HTTP:
// GET /status, POST /access and GET /address.
type HTTPAgent struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPAgent(baseURL string) *HTTPAgent {
	if baseURL == "" {
		baseURL = "http://localhost:8787"
	}
	return &HTTPAgent{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (a *HTTPAgent) Probe(ctx context.Context) (ProbeResult, error) {
	var out ProbeResult
	err := a.do(ctx, http.MethodGet, "/status", &out)
	return out, err
}

func (a *HTTPAgent) RequestAccess(ctx context.Context) (AccessResult, error) {
	var out AccessResult
	err := a.do(ctx, http.MethodPost, "/access", &out)
	return out, err
}

func (a *HTTPAgent) CurrentAddress(ctx context.Context) (AccessResult, error) {
	var out AccessResult
	err := a.do(ctx, http.MethodGet, "/address", &out)
	return out, err
}

func (a *HTTPAgent) do(ctx context.Context, method, path string, out any) error {
	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("signing agent request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read signing agent response: %w", err)
	}
	// The bridge relays agent-side failures as {"error": "..."} with a 4xx;
	// decode those into out so the session can classify the text.
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("signing agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("signing agent returned %d", resp.StatusCode)
	}
	return nil
}
