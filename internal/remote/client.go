// Package remote is the HTTP client for the authoritative REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/fieldsync/internal/auth"
	"github.com/hyperengineering/fieldsync/internal/entity"
)

// TokenSource supplies bearer tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Client talks to the remote API. Every request carries the bearer token and
// the device id; a 401 triggers one forced token refresh and a single retry.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	deviceID   string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDeviceID sets the X-Device-Id header value.
func WithDeviceID(id string) Option {
	return func(c *Client) { c.deviceID = id }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient returns a client for the API at baseURL.
func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:     tokens,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Envelope is a decoded JSON response body.
type Envelope map[string]any

// Page is one page of a list endpoint.
type Page struct {
	Items       []map[string]any
	CurrentPage int
	HasMore     bool
}

// Health checks that the API is reachable. It does not require a token.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: %w", &Error{Status: resp.StatusCode})
	}
	return nil
}

// HasData asks whether the account already holds any records.
func (c *Client) HasData(ctx context.Context) (bool, error) {
	env, err := c.Do(ctx, http.MethodGet, "/api/sync/status", nil, "")
	if err != nil {
		return false, fmt.Errorf("sync status: %w", err)
	}
	v, ok := env["hasData"].(bool)
	if !ok {
		return false, fmt.Errorf("sync status: %w", &Error{Status: http.StatusOK, Message: "response has no hasData flag"})
	}
	return v, nil
}

// Create posts a new record and returns the server copy. clientID is sent as
// the idempotency key so a replayed create is not duplicated.
func (c *Client) Create(ctx context.Context, s *entity.Schema, payload map[string]any, clientID string) (map[string]any, error) {
	env, err := c.Do(ctx, http.MethodPost, s.Endpoints.Create, payload, clientID)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", s.Name, err)
	}
	rec := env.record(s.RemoteKey)
	if rec == nil {
		return nil, fmt.Errorf("create %s: %w", s.Name, &Error{Status: http.StatusOK, Message: "response has no " + s.RemoteKey})
	}
	return rec, nil
}

// Update replaces the remote fields of record id.
func (c *Client) Update(ctx context.Context, s *entity.Schema, id string, payload map[string]any) error {
	if _, err := c.Do(ctx, http.MethodPut, s.Endpoints.Item+"/"+url.PathEscape(id), payload, ""); err != nil {
		return fmt.Errorf("update %s %s: %w", s.Name, id, err)
	}
	return nil
}

// Delete removes record id remotely.
func (c *Client) Delete(ctx context.Context, s *entity.Schema, id string) error {
	if _, err := c.Do(ctx, http.MethodDelete, s.Endpoints.Item+"/"+url.PathEscape(id), nil, ""); err != nil {
		return fmt.Errorf("delete %s %s: %w", s.Name, id, err)
	}
	return nil
}

// List fetches one page of a list endpoint. Responses without pagination
// details are a single page.
func (c *Client) List(ctx context.Context, path, key string, page, limit int) (Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	env, err := c.Do(ctx, http.MethodGet, path+"?"+q.Encode(), nil, "")
	if err != nil {
		return Page{}, fmt.Errorf("list %s: %w", path, err)
	}

	raw, ok := env[key].([]any)
	if !ok {
		return Page{}, fmt.Errorf("list %s: %w", path, &Error{Status: http.StatusOK, Message: "response has no " + key})
	}
	out := Page{Items: make([]map[string]any, 0, len(raw)), CurrentPage: page}
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out.Items = append(out.Items, m)
		}
	}

	if pg, ok := env["pagination"].(map[string]any); ok {
		if n, ok := pg["currentPage"].(float64); ok {
			out.CurrentPage = int(n)
		}
		out.HasMore, _ = pg["hasMore"].(bool)
	}
	return out, nil
}

// RecordPayment replays a payment taken offline against bill id.
func (c *Client) RecordPayment(ctx context.Context, billID string, amount float64, note, clientID string) error {
	body := map[string]any{"amount": amount, "note": note, "clientId": clientID}
	if _, err := c.Do(ctx, http.MethodPut, "/api/bill/"+url.PathEscape(billID)+"/payment", body, clientID); err != nil {
		return fmt.Errorf("record payment on bill %s: %w", billID, err)
	}
	return nil
}

// AddStock posts serial numbers or a plain quantity to an inventory item.
func (c *Client) AddStock(ctx context.Context, itemID string, body map[string]any) error {
	if _, err := c.Do(ctx, http.MethodPost, "/api/inventory/item/"+url.PathEscape(itemID)+"/stock", body, ""); err != nil {
		return fmt.Errorf("add stock to item %s: %w", itemID, err)
	}
	return nil
}

// DashboardMetrics returns the server-computed dashboard payload for period.
func (c *Client) DashboardMetrics(ctx context.Context, period string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("filterType", "period")
	q.Set("period", period)

	env, err := c.Do(ctx, http.MethodGet, "/api/dashboard/metrics?"+q.Encode(), nil, "")
	if err != nil {
		return nil, fmt.Errorf("dashboard metrics: %w", err)
	}
	data, ok := env["data"]
	if !ok {
		return nil, fmt.Errorf("dashboard metrics: %w", &Error{Status: http.StatusOK, Message: "response has no data"})
	}
	return json.Marshal(data)
}

// Do sends an authenticated JSON request and decodes the response envelope.
// A body of {"success": false} is a rejection even with a 2xx status.
func (c *Client) Do(ctx context.Context, method, path string, body any, idempotencyKey string) (Envelope, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, authError(err)
	}

	resp, err := c.send(ctx, method, path, payload, token, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.logger.Debug("unauthorized, refreshing token", "component", "remote", "path", path)
		if token, err = c.tokens.Refresh(ctx); err != nil {
			return nil, authError(err)
		}
		if resp, err = c.send(ctx, method, path, payload, token, idempotencyKey); err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: token rejected by server", auth.ErrAuthRequired)
		}
	}
	defer resp.Body.Close()

	env, decodeErr := decodeEnvelope(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Status: resp.StatusCode, Message: env.message()}
	}
	if decodeErr != nil {
		return nil, &Error{Status: resp.StatusCode, Message: "malformed response: " + decodeErr.Error()}
	}
	if ok, present := env["success"].(bool); present && !ok {
		return nil, &Error{Status: resp.StatusCode, Message: env.message()}
	}
	return env, nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, token, idempotencyKey string) (*http.Response, error) {
	var r io.Reader
	if payload != nil {
		r = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.deviceID != "" {
		req.Header.Set("X-Device-Id", c.deviceID)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	c.logger.Debug("remote request",
		"component", "remote",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
	return resp, nil
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
}

func authError(err error) error {
	if errors.Is(err, auth.ErrAuthRequired) {
		return err
	}
	return fmt.Errorf("%w: %w", auth.ErrAuthRequired, err)
}

func decodeEnvelope(r io.Reader) (Envelope, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Envelope{}, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return Envelope{}, nil
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) message() string {
	for _, k := range []string{"message", "error"} {
		if s, ok := e[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// record finds the single record of a create response: under key, under
// "data", or the envelope itself when it carries an id.
func (e Envelope) record(key string) map[string]any {
	if m, ok := e[key].(map[string]any); ok {
		return m
	}
	if m, ok := e["data"].(map[string]any); ok {
		return m
	}
	if _, ok := e["_id"]; ok {
		return e
	}
	return nil
}
