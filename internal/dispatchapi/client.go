// Package dispatchapi is the HTTP client for the dispatch server: the
// server-side request gate and the ride endpoints the orchestrator needs.
package dispatchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/riderlink/internal/ride/domain"
)

// APIError is a non-2xx answer from the dispatch server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dispatch api: %d %s", e.Status, e.Message)
}

// TokenSource returns the current bearer token. Refreshing it is the caller's
// job.
type TokenSource func() string

// StaticToken always returns token.
func StaticToken(token string) TokenSource { return func() string { return token } }

// Client implements domain.RideAPI and domain.RequestGate.
type Client struct {
	base   *url.URL
	http   *http.Client
	token  TokenSource
	logger *zap.Logger
}

func New(baseURL string, token TokenSource, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid dispatch base url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if token == nil {
		token = StaticToken("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, http: httpClient, token: token, logger: logger}, nil
}

type requestBody struct {
	UniqueKey string `json:"uniqueKey"`
	UserID    string `json:"userId"`
}

// CreateRideRequest registers the request key. A conflict means the rider
// already has an open request.
func (c *Client) CreateRideRequest(ctx context.Context, uniqueKey, riderID string) error {
	err := c.do(ctx, http.MethodPost, "/ride-requests", requestBody{UniqueKey: uniqueKey, UserID: riderID}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateRequest, apiErr.Message)
	}
	return err
}

// ExpireRideRequest closes the request. An unknown key is already closed.
func (c *Client) ExpireRideRequest(ctx context.Context, uniqueKey, riderID string) error {
	err := c.do(ctx, http.MethodPost, "/ride-requests/expire", requestBody{UniqueKey: uniqueKey, UserID: riderID}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) CheckActiveRide(ctx context.Context) (domain.ActiveRide, error) {
	var out domain.ActiveRide
	if err := c.do(ctx, http.MethodGet, "/rides/active", nil, &out); err != nil {
		return domain.ActiveRide{}, err
	}
	if out.Ride == nil {
		out.HasActiveRide = false
	}
	return out, nil
}

func (c *Client) CancelRide(ctx context.Context, in domain.CancelRideInput) (domain.Ride, error) {
	var out domain.Ride
	if err := c.do(ctx, http.MethodPost, "/rides/cancel", in, &out); err != nil {
		return domain.Ride{}, err
	}
	return out, nil
}

func (c *Client) RateDriver(ctx context.Context, rideID string, rating float64) (domain.Ride, error) {
	var out domain.Ride
	body := map[string]float64{"rating": rating}
	if err := c.do(ctx, http.MethodPost, "/rides/"+url.PathEscape(rideID)+"/rating", body, &out); err != nil {
		return domain.Ride{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		c.logger.Debug("dispatch api error", zap.String("path", path), zap.Int("status", resp.StatusCode))
		return &APIError{Status: resp.StatusCode, Message: errorMessage(msg)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// errorMessage extracts {"message": ...} or {"error": ...} when present.
func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return strings.TrimSpace(string(body))
}
