// Package probe ships the one built-in runnable kind: an HTTP status
// probe against a media-service endpoint. It stands in for the plugin
// sync/search logic, which lives outside this subsystem.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "mediadash/pkg/logx"
)

// Kind is the registry key for this runnable in job definitions.
const Kind = "http_probe"

// Config is the per-job collaborator config, decoded from the raw job
// config block.
type Config struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`

	// ExpectStatus accepts exactly this status code; 0 accepts any 2xx.
	ExpectStatus int `json:"expect_status,omitempty"`

	// RequestTimeout is a Go duration string; it bounds the HTTP client,
	// not the run (the runner's timeout supervisor does that).
	RequestTimeout string `json:"request_timeout,omitempty"`
}

type Probe struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

// FromRaw decodes a job's raw config block into a Probe.
func FromRaw(raw []byte, log logx.Logger) (*Probe, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("probe config: %w", err)
		}
	}
	return New(cfg, log)
}

func New(cfg Config, log logx.Logger) (*Probe, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("probe config: url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	timeout := 10 * time.Second
	if s := strings.TrimSpace(cfg.RequestTimeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("probe config: invalid request_timeout %q: %w", s, err)
		}
		if d > 0 {
			timeout = d
		}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Probe{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}, nil
}

// Run performs one probe. Success is the expected status (or any 2xx).
func (p *Probe) Run(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, p.cfg.Method, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.cfg.URL, err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.cfg.URL, err)
	}
	defer func() {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	p.log.Debug("probe response",
		logx.String("url", p.cfg.URL),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if p.cfg.ExpectStatus > 0 {
		if resp.StatusCode != p.cfg.ExpectStatus {
			return fmt.Errorf("probe %s: status %d, want %d", p.cfg.URL, resp.StatusCode, p.cfg.ExpectStatus)
		}
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe %s: unexpected status %d", p.cfg.URL, resp.StatusCode)
	}
	return nil
}
