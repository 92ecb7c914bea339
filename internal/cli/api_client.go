// Package cli implements the edgectl operator commands
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIClient talks to the gateway admin API
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BlacklistRequest blocks an address
type BlacklistRequest struct {
	IP      string `json:"ip"`
	Reason  string `json:"reason,omitempty"`
	Country string `json:"country,omitempty"`
}

// AllowlistRequest exempts an address
type AllowlistRequest struct {
	IP   string `json:"ip"`
	Note string `json:"note,omitempty"`
}

// ListResponse acknowledges a blacklist or allowlist write
type ListResponse struct {
	IP     string `json:"ip"`
	Status string `json:"status"`
}

// BlacklistEntry is a blacklist row as reported by the API
type BlacklistEntry struct {
	Reason      string    `json:"reason,omitempty"`
	CountryCode string    `json:"country_code,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Hits        int64     `json:"hits"`
}

// AllowlistEntry is an allowlist row as reported by the API
type AllowlistEntry struct {
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecentEvent is a request event as reported by the API
type RecentEvent struct {
	TS        time.Time `json:"ts"`
	Host      string    `json:"host"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    *int      `json:"status"`
	LatencyMs *int      `json:"latency_ms"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// ReputationResponse is the current reputation of one address
type ReputationResponse struct {
	IP           string          `json:"ip"`
	Blacklisted  bool            `json:"blacklisted"`
	Allowlisted  bool            `json:"allowlisted"`
	Blacklist    *BlacklistEntry `json:"blacklist,omitempty"`
	Allowlist    *AllowlistEntry `json:"allowlist,omitempty"`
	RecentEvents []RecentEvent   `json:"recent_events"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// doRequest performs an HTTP request with JSON marshaling/unmarshaling
func (c *APIClient) doRequest(method, endpoint string, expectedStatus int, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != expectedStatus {
		var errResp ErrorResponse
		if json.Unmarshal(respData, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("API error (%d %s %s): %s",
				resp.StatusCode, method, endpoint, errResp.Error)
		}
		preview := string(respData)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return fmt.Errorf("unexpected status %d from %s %s: %s",
			resp.StatusCode, method, endpoint, preview)
	}

	if respBody != nil {
		if err := json.Unmarshal(respData, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// Blacklist blocks an address
func (c *APIClient) Blacklist(req *BlacklistRequest) (*ListResponse, error) {
	var result ListResponse
	if err := c.doRequest(http.MethodPost, "/admin/blacklist", http.StatusOK, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Allowlist exempts an address and clears any block
func (c *APIClient) Allowlist(req *AllowlistRequest) (*ListResponse, error) {
	var result ListResponse
	if err := c.doRequest(http.MethodPost, "/admin/allowlist", http.StatusOK, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Reputation fetches the reputation of an address
func (c *APIClient) Reputation(ip string) (*ReputationResponse, error) {
	var result ReputationResponse
	if err := c.doRequest(http.MethodGet, "/admin/reputation/"+url.PathEscape(ip), http.StatusOK, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
