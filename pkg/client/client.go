// Package client is the typed HTTP client for a regional participant.
// The coordinator, health monitor and query router all talk to
// participants through it; each call carries the caller's context so
// per-phase deadlines apply to the wire, not the transaction.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avfleet/handoff/pkg/model"
)

// Config tunes the shared transport of one participant client.
type Config struct {
	BaseURL         string
	Timeout         time.Duration // overall fallback; per-call contexts take precedence
	MaxIdleConns    int
	MaxConnsPerHost int
}

// DefaultConfig returns the default client configuration for baseURL.
func DefaultConfig(baseURL string) *Config {
	return &Config{
		BaseURL:         baseURL,
		Timeout:         30 * time.Second,
		MaxIdleConns:    10,
		MaxConnsPerHost: 10,
	}
}

// Client talks to one regional participant.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a participant client with a pooled transport.
func New(config *Config) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxConnsPerHost == 0 {
		config.MaxConnsPerHost = 10
	}
	transport := &http.Transport{
		MaxIdleConns:        config.MaxIdleConns,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		MaxIdleConnsPerHost: config.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// NewForURL creates a client with default settings.
func NewForURL(baseURL string) *Client {
	return New(DefaultConfig(baseURL))
}

// StatusError is a non-2xx participant answer.
type StatusError struct {
	Code    int
	Type    string `json:"error"`
	Message string `json:"message"`
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("participant returned %d %s: %s", e.Code, e.Type, e.Message)
}

// IsNotFound reports whether err is a participant 404.
func IsNotFound(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.Code == http.StatusNotFound
}

// IsConflict reports whether err is a participant 409.
func IsConflict(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.Code == http.StatusConflict
}

func (c *Client) do(ctx context.Context, method, path string, body, target any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		se := &StatusError{Code: resp.StatusCode, Type: "Internal", Message: string(respBody)}
		_ = json.Unmarshal(respBody, se)
		se.Code = resp.StatusCode
		return se
	}

	if target != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// Health fetches the participant's health payload. The payload is
// returned for any decodable answer, healthy or not; an error means
// the participant was unreachable.
func (c *Client) Health(ctx context.Context) (*model.RegionHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()

	var health model.RegionHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("parse health response: %w", err)
	}
	return &health, nil
}

func (c *Client) CreateRide(ctx context.Context, ride *model.Ride) (*model.Ride, error) {
	var created model.Ride
	if err := c.do(ctx, http.MethodPost, "/rides", ride, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) GetRide(ctx context.Context, rideID string) (*model.Ride, error) {
	var ride model.Ride
	if err := c.do(ctx, http.MethodGet, "/rides/"+url.PathEscape(rideID), nil, &ride); err != nil {
		return nil, err
	}
	return &ride, nil
}

func listPath(q model.ListQuery) string {
	vals := url.Values{}
	if q.City != "" {
		vals.Set("city", string(q.City))
	}
	if q.Status != "" {
		vals.Set("status", string(q.Status))
	}
	if q.MinFare != nil {
		vals.Set("min_fare", strconv.FormatFloat(*q.MinFare, 'f', -1, 64))
	}
	if q.MaxFare != nil {
		vals.Set("max_fare", strconv.FormatFloat(*q.MaxFare, 'f', -1, 64))
	}
	if q.Skip > 0 {
		vals.Set("skip", strconv.FormatInt(q.Skip, 10))
	}
	if q.Limit > 0 {
		vals.Set("limit", strconv.FormatInt(q.Limit, 10))
	}
	path := "/rides"
	if enc := vals.Encode(); enc != "" {
		path += "?" + enc
	}
	return path
}

func (c *Client) ListRides(ctx context.Context, q model.ListQuery) ([]model.Ride, error) {
	rides := []model.Ride{}
	if err := c.do(ctx, http.MethodGet, listPath(q), nil, &rides); err != nil {
		return nil, err
	}
	return rides, nil
}

func (c *Client) UpdateRide(ctx context.Context, rideID string, set map[string]any) (*model.Ride, error) {
	var ride model.Ride
	if err := c.do(ctx, http.MethodPut, "/rides/"+url.PathEscape(rideID), set, &ride); err != nil {
		return nil, err
	}
	return &ride, nil
}

func (c *Client) DeleteRide(ctx context.Context, rideID string) error {
	return c.do(ctx, http.MethodDelete, "/rides/"+url.PathEscape(rideID), nil, nil)
}

func (c *Client) Stats(ctx context.Context) (*model.RegionStats, error) {
	var stats model.RegionStats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Prepare sends a 2PC prepare. A vote of ABORT arrives as a normal
// response, not an error.
func (c *Client) Prepare(ctx context.Context, req model.PrepareRequest) (*model.PrepareResponse, error) {
	var resp model.PrepareResponse
	if err := c.do(ctx, http.MethodPost, "/2pc/prepare", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Commit applies a staged 2PC operation.
func (c *Client) Commit(ctx context.Context, req model.CommitRequest) (*model.CommitResponse, error) {
	var resp model.CommitResponse
	if err := c.do(ctx, http.MethodPost, "/2pc/commit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Abort releases all participant state held for txID. Safe to retry.
func (c *Client) Abort(ctx context.Context, txID string) (*model.AbortResponse, error) {
	var resp model.AbortResponse
	if err := c.do(ctx, http.MethodPost, "/2pc/abort", model.AbortRequest{TxID: txID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
