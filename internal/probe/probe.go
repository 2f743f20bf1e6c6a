// Package probe checks that deployed endpoints answer, optionally asserting
// the status field of a JSON status document.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"relay/internal/relay/metrics"
	"relay/internal/validator"
)

// Config holds probe settings.
type Config struct {
	Targets []string `env:"TARGET_URLS,required" envSeparator:","`
	// StatusPath is appended to each target. When set, the response must be
	// a JSON object whose "status" equals ExpectedStatus.
	StatusPath     string        `env:"STATUS_PATH"`
	ExpectedStatus string        `env:"EXPECTED_STATUS" envDefault:"WORKING"`
	Timeout        time.Duration `env:"PROBE_TIMEOUT" envDefault:"10s"`
	// Auth attaches an identity token whose audience is the target.
	Auth bool `env:"PROBE_AUTH" envDefault:"false"`
}

// TokenSource issues identity tokens for an audience.
type TokenSource interface {
	Token(ctx context.Context, audience string) (string, error)
}

// Result is the outcome of probing one target.
type Result struct {
	Target     string
	URL        string
	StatusCode int
	Status     string
	Err        error
	Duration   time.Duration
}

// OK reports whether the target passed.
func (r Result) OK() bool {
	return r.Err == nil
}

// Prober probes targets one after another.
type Prober struct {
	config   Config
	client   *http.Client
	tokens   TokenSource
	registry *metrics.Registry
	logger   *zap.Logger
}

// NewProber creates a prober. tokens may be nil when config.Auth is false and
// registry may be nil.
func NewProber(config Config, tokens TokenSource, registry *metrics.Registry, logger *zap.Logger) (*Prober, error) {
	if err := validator.Validate("probe", logger, config.Timeout); err != nil {
		return nil, err
	}
	if config.Auth && tokens == nil {
		return nil, fmt.Errorf("probe auth requires a token source")
	}

	return &Prober{
		config:   config,
		client:   &http.Client{Timeout: config.Timeout},
		tokens:   tokens,
		registry: registry,
		logger:   logger.Named("probe"),
	}, nil
}

// Run probes every configured target and returns the results in order.
func (p *Prober) Run(ctx context.Context) []Result {
	var results []Result

	for _, target := range p.config.Targets {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}

		res := p.Probe(ctx, target)
		results = append(results, res)

		p.registry.RecordProbe(target, res.OK(), res.Duration)

		logger := p.logger.With(
			zap.String("target", target),
			zap.Int("statusCode", res.StatusCode),
			zap.Duration("duration", res.Duration),
		)
		if res.OK() {
			logger.Info("probe passed", zap.String("status", res.Status))
		} else {
			logger.Error("probe failed", zap.String("status", res.Status), zap.Error(res.Err))
		}
	}

	return results
}

// Probe checks one target.
func (p *Prober) Probe(ctx context.Context, target string) Result {
	start := time.Now()
	res := Result{
		Target: target,
		URL:    strings.TrimRight(target, "/") + p.config.StatusPath,
	}

	res.StatusCode, res.Status, res.Err = p.get(ctx, target, res.URL)
	res.Duration = time.Since(start)

	return res
}

func (p *Prober) get(ctx context.Context, audience, url string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("invalid target: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if p.config.Auth {
		token, err := p.tokens.Token(ctx, audience)
		if err != nil {
			return 0, "", fmt.Errorf("failed to fetch identity token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Sprintf("HTTP %d", resp.StatusCode), fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, truncate(body, 100))
	}

	if p.config.StatusPath == "" {
		return resp.StatusCode, "", nil
	}

	var doc struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to decode status document: %w", err)
	}
	if doc.Status == "" {
		doc.Status = "UNKNOWN"
	}
	if doc.Status != p.config.ExpectedStatus {
		return resp.StatusCode, doc.Status, fmt.Errorf("status %s, expected %s", doc.Status, p.config.ExpectedStatus)
	}

	return resp.StatusCode, doc.Status, nil
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.OK() {
			failed = append(failed, r)
		}
	}
	return failed
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
