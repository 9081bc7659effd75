package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// FetchStatus reads /api/status from the status API at addr (host:port).
func FetchStatus(ctx context.Context, addr string) (Status, error) {
	u := url.URL{Scheme: "http", Host: addr, Path: "/api/status"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Status{}, err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("api: fetch status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("api: fetch status: %s", resp.Status)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return Status{}, fmt.Errorf("api: decode status: %w", err)
	}
	return st, nil
}

// WaitReady polls the status API every interval until the relay reports ready
// or ctx ends.
func WaitReady(ctx context.Context, addr string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := FetchStatus(ctx, addr)
		if err == nil && st.Ready {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("api: wait ready: %w (last error: %v)", ctx.Err(), err)
			}
			return fmt.Errorf("api: wait ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
