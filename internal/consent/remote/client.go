// Package remote is a typed HTTP client for the consent gateway. The caller
// identity is carried by the bearer token, so the client exposes per-token
// operations rather than the in-process service surface.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"careledger.org/internal/consent"
)

// Client talks to one consent gateway with one bearer token.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithToken sets the bearer token used on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New constructs a Client for the given base URL, e.g. "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken swaps the bearer token, e.g. after minting one for another
// principal.
func (c *Client) SetToken(token string) { c.token = token }

// APIError is a non-2xx gateway response.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("gateway returned %d: %s (request %s)", e.Status, e.Message, e.RequestID)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// MintToken asks the dev token endpoint for a bearer token and installs it on
// the client.
func (c *Client) MintToken(ctx context.Context, principal consent.PrincipalID, role consent.Role, ttl time.Duration) error {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{
		"principal": string(principal),
		"role":      string(role),
	}
	if ttl > 0 {
		body["ttl_seconds"] = int64(ttl / time.Second)
	}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/token", body, &resp); err != nil {
		return err
	}
	c.token = resp.Token
	return nil
}

func (c *Client) RegisterPrincipal(ctx context.Context, id consent.PrincipalID, role consent.Role) (consent.Principal, error) {
	var p consent.Principal
	err := c.do(ctx, http.MethodPost, "/v1/principals", map[string]string{
		"principal": string(id),
		"role":      string(role),
	}, &p)
	return p, err
}

func (c *Client) GetPrincipal(ctx context.Context, id consent.PrincipalID) (consent.Principal, error) {
	var p consent.Principal
	err := c.do(ctx, http.MethodGet, "/v1/principals/"+url.PathEscape(string(id)), nil, &p)
	return p, err
}

func (c *Client) CreateRecord(ctx context.Context, locator string, owner consent.PrincipalID) (consent.Record, error) {
	var rec consent.Record
	err := c.do(ctx, http.MethodPost, "/v1/records", map[string]string{
		"locator": locator,
		"owner":   string(owner),
	}, &rec)
	return rec, err
}

func (c *Client) GetRecord(ctx context.Context, id consent.RecordID) (consent.Record, error) {
	var rec consent.Record
	err := c.do(ctx, http.MethodGet, "/v1/records/"+string(id), nil, &rec)
	return rec, err
}

func (c *Client) GetLocator(ctx context.Context, id consent.RecordID) (string, error) {
	var resp struct {
		Locator string `json:"locator"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/records/"+string(id)+"/locator", nil, &resp)
	return resp.Locator, err
}

func (c *Client) IsAuthorized(ctx context.Context, id consent.RecordID, principal consent.PrincipalID) (bool, error) {
	var resp struct {
		Authorized bool `json:"authorized"`
	}
	path := "/v1/records/" + string(id) + "/authorization?principal=" + url.QueryEscape(string(principal))
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Authorized, err
}

func (c *Client) Grant(ctx context.Context, id consent.RecordID, grantee consent.PrincipalID, validUntil time.Time, scope consent.Scope) (consent.AccessGrant, error) {
	body := map[string]any{
		"grantee": string(grantee),
		"scope":   string(scope),
	}
	if !validUntil.IsZero() {
		body["valid_until"] = validUntil.UTC().Format(time.RFC3339Nano)
	}
	var g consent.AccessGrant
	err := c.do(ctx, http.MethodPost, "/v1/records/"+string(id)+"/grants", body, &g)
	return g, err
}

func (c *Client) Revoke(ctx context.Context, id consent.RecordID, grantee consent.PrincipalID) (consent.AccessGrant, error) {
	var g consent.AccessGrant
	err := c.do(ctx, http.MethodDelete, "/v1/records/"+string(id)+"/grants/"+url.PathEscape(string(grantee)), nil, &g)
	return g, err
}

func (c *Client) RequestAccess(ctx context.Context, id consent.RecordID, reason string) (consent.AccessRequest, error) {
	var req consent.AccessRequest
	err := c.do(ctx, http.MethodPost, "/v1/requests", map[string]string{
		"record_id": string(id),
		"reason":    reason,
	}, &req)
	return req, err
}

func (c *Client) Approve(ctx context.Context, requestID uint64) (consent.AccessRequest, error) {
	var req consent.AccessRequest
	err := c.do(ctx, http.MethodPost, "/v1/requests/"+strconv.FormatUint(requestID, 10)+"/approve", nil, &req)
	return req, err
}

func (c *Client) Deny(ctx context.Context, requestID uint64) (consent.AccessRequest, error) {
	var req consent.AccessRequest
	err := c.do(ctx, http.MethodPost, "/v1/requests/"+strconv.FormatUint(requestID, 10)+"/deny", nil, &req)
	return req, err
}

func (c *Client) GetRequest(ctx context.Context, requestID uint64) (consent.AccessRequest, error) {
	var req consent.AccessRequest
	err := c.do(ctx, http.MethodGet, "/v1/requests/"+strconv.FormatUint(requestID, 10), nil, &req)
	return req, err
}

func (c *Client) RequestCount(ctx context.Context) (uint64, error) {
	var resp struct {
		Count uint64 `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/requests/count", nil, &resp)
	return resp.Count, err
}

func (c *Client) EmergencyAccess(ctx context.Context, id consent.RecordID, justificationHash string, validFor time.Duration) (consent.AccessGrant, error) {
	var g consent.AccessGrant
	err := c.do(ctx, http.MethodPost, "/v1/records/"+string(id)+"/emergency-access", map[string]any{
		"justification_hash": justificationHash,
		"valid_for_seconds":  int64(validFor / time.Second),
	}, &g)
	return g, err
}

func (c *Client) LogAccess(ctx context.Context, id consent.RecordID, actor consent.PrincipalID, success bool, action string) (consent.AccessEvent, error) {
	var ev consent.AccessEvent
	err := c.do(ctx, http.MethodPost, "/v1/records/"+string(id)+"/log", map[string]any{
		"actor":   string(actor),
		"success": success,
		"action":  action,
	}, &ev)
	return ev, err
}

func (c *Client) GetLog(ctx context.Context, id consent.RecordID) ([]consent.AccessEvent, error) {
	var resp struct {
		Events []consent.AccessEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/records/"+string(id)+"/log", nil, &resp)
	return resp.Events, err
}

func (c *Client) ListEvents(ctx context.Context, limit int, afterSeq uint64) ([]consent.Event, uint64, error) {
	if limit <= 0 {
		limit = 100
	}
	var resp struct {
		Items     []consent.Event `json:"items"`
		NextAfter uint64          `json:"next_after"`
	}
	path := fmt.Sprintf("/v1/events?limit=%d&after=%d", limit, afterSeq)
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Items, resp.NextAfter, err
}

// Healthz reports whether the gateway answers its liveness probe.
func (c *Client) Healthz(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error     string `json:"error"`
			RequestID string `json:"request_id"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, &payload); err != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error, RequestID: payload.RequestID}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// WithTimeout returns a context with a default timeout, useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
