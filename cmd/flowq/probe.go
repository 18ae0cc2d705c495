package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"flowq/internal/stream"
)

const (
	defaultProbeTimeout = 10 * time.Second
	defaultProbeMethod  = http.MethodGet
)

type probeResult struct {
	URL    string
	Status int
	Took   time.Duration
}

type prober struct {
	client *http.Client
	method string
}

func newProber(timeout time.Duration, method string) *prober {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = defaultProbeMethod
	}
	return &prober{client: &http.Client{Timeout: timeout}, method: method}
}

// probe is the stream mapper. Blank lines and comments are skipped.
func (p *prober) probe(ctx context.Context, line string, _ int) (probeResult, error) {
	url := strings.TrimSpace(line)
	if url == "" || strings.HasPrefix(url, "#") {
		return probeResult{}, stream.Skip
	}

	req, err := http.NewRequestWithContext(ctx, p.method, url, http.NoBody)
	if err != nil {
		return probeResult{}, fmt.Errorf("probe %s: %w", url, err)
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return probeResult{}, fmt.Errorf("probe %s: %w", url, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return probeResult{URL: url, Status: resp.StatusCode, Took: time.Since(start)}, nil
}
