package cti

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const maxProviderResponse = 64 * 1024 // 64KB

// HTTPProvider queries a threat-intel feed over a simple JSON HTTP API:
// GET {base}/v1/ip/{addr} returning {"verdict": "...", "torExit": bool,
// "score": 0.87}.
type HTTPProvider struct {
	name    string
	baseURL string
	client  *http.Client
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider for one feed endpoint. The client has
// no timeout of its own; the service's fan-out context bounds every call.
func NewHTTPProvider(name, baseURL string) *HTTPProvider {
	return &HTTPProvider{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

// Name returns the feed name used in logs and metrics.
func (p *HTTPProvider) Name() string { return p.name }

// Lookup queries the feed for one IP.
func (p *HTTPProvider) Lookup(ctx context.Context, ip string) (*Record, error) {
	u := p.baseURL + "/v1/ip/" + url.PathEscape(ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("cti: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cti: query %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Record{IP: ip, Verdict: VerdictUnknown, Source: p.name, FetchedAt: time.Now()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cti: %s returned HTTP %d", p.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponse))
	if err != nil {
		return nil, fmt.Errorf("cti: read %s response: %w", p.name, err)
	}

	var payload struct {
		Verdict string  `json:"verdict"`
		TORExit bool    `json:"torExit"`
		Score   float64 `json:"score"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("cti: decode %s response: %w", p.name, err)
	}

	verdict := Verdict(payload.Verdict)
	switch verdict {
	case VerdictClean, VerdictUnknown, VerdictSuspicious, VerdictMalicious:
	default:
		verdict = VerdictUnknown
	}

	return &Record{
		IP:        ip,
		Verdict:   verdict,
		TORExit:   payload.TORExit,
		Score:     payload.Score,
		Source:    p.name,
		FetchedAt: time.Now(),
	}, nil
}
