// Package pricing calls the external fare formula service.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/riderlink/internal/ride/domain"
)

// Client implements domain.Pricing over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
	token    func() string
}

// New builds a client posting fare queries to endpoint. token may be nil.
func New(endpoint string, token func() string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{endpoint: strings.TrimRight(endpoint, "/"), http: httpClient, token: token}
}

type fareResponse struct {
	Fare *domain.FareBreakdown `json:"fare"`
}

// CalculateFare returns nil without error when the service has no fare for
// the query (404 or an empty fare).
func (c *Client) CalculateFare(ctx context.Context, q domain.FareQuery) (*domain.FareBreakdown, error) {
	payload, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal fare query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/fare", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != nil {
		if t := c.token(); t != "" {
			req.Header.Set("Authorization", "Bearer "+t)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pricing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("pricing status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out fareResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode fare: %w", err)
	}
	return out.Fare, nil
}
