package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPFetcher fetches status snapshots from a running ingestd server.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher creates a fetcher against the given base URL
// (e.g. "http://localhost:8080").
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchStatus performs GET /operations/status.
func (f *HTTPFetcher) FetchStatus(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/operations/status", nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("poller: build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("poller: fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("poller: status poll failed: %d", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("poller: decode status: %w", err)
	}
	return snap, nil
}
