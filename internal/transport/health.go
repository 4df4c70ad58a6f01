package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HealthChecker checks relay health over plain HTTP before a websocket is
// dialed, so an unhealthy relay in the candidate list is skipped quickly.
type HealthChecker struct {
	httpClient *http.Client
}

func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type HealthResponse struct {
	Status string `json:"status"`
}

// healthURL maps ws://host/ws to http://host/healthz.
func healthURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws") + "/healthz"
	u.RawQuery = ""
	return u.String(), nil
}

// Healthy calls the relay's health endpoint.
func (p *HealthChecker) Healthy(ctx context.Context, relayURL string) error {
	endpoint, err := healthURL(relayURL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf(
			"relay health error: status=%d body=%s",
			resp.StatusCode,
			string(b),
		)
	}

	var payload HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	if payload.Status != "ok" {
		return fmt.Errorf("relay health status %q", payload.Status)
	}
	return nil
}

// Pick returns the first healthy relay, or the first candidate when none
// answered so the caller still has something to dial.
func (p *HealthChecker) Pick(ctx context.Context, relayURLs []string) (string, error) {
	if len(relayURLs) == 0 {
		return "", fmt.Errorf("no relay configured")
	}
	if len(relayURLs) == 1 {
		return relayURLs[0], nil
	}
	var lastErr error
	for _, candidate := range relayURLs {
		if err := p.Healthy(ctx, candidate); err != nil {
			lastErr = err
			continue
		}
		return candidate, nil
	}
	return relayURLs[0], lastErr
}
