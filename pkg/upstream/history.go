package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/nightwatch-obs/nightwatch/pkg/config"
)

// HistoryClient fetches the upstream event-history endpoint.
type HistoryClient struct {
	url    string
	client *http.Client
}

// historyResponse is the upstream envelope: the events ride in Response.
type historyResponse struct {
	Response []json.RawMessage `json:"Response"`
}

// NewHistoryClient builds a HistoryClient with the configured connect and
// read timeouts.
func NewHistoryClient(cfg config.UpstreamConfig) *HistoryClient {
	return &HistoryClient{
		url: cfg.HistoryURL,
		client: &http.Client{
			Timeout: cfg.HistoryReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.HistoryConnectTimeout,
				}).DialContext,
			},
		},
	}
}

// Fetch returns the raw history events, oldest intact. The caller decides
// replay order.
func (h *HistoryClient) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build history request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("event history returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode event history: %w", err)
	}
	return parsed.Response, nil
}

// URL returns the configured history endpoint, for logs.
func (h *HistoryClient) URL() string {
	return h.url
}
