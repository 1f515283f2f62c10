package httpbackend

import (
	"context"
	"net/http"
	"time"

	"github.com/bool64/ctxd"
	"github.com/vearutop/offline"
)

// ProbeConfig controls Probe instance.
type ProbeConfig struct {
	// URL is polled with GET, any 2xx/3xx response means online.
	URL string

	// Interval is a delay between checks, default 5s.
	Interval time.Duration

	// Timeout limits a single check, default 2s.
	Timeout time.Duration

	// HTTPClient is used for checks.
	HTTPClient *http.Client

	// Logger collects messages with context.
	Logger ctxd.Logger
}

var _ offline.NetworkMonitor = &Probe{}

// Probe is a NetworkMonitor that polls a health endpoint.
type Probe struct {
	*offline.Switch

	config ProbeConfig
	client *http.Client
	log    ctxd.Logger
}

// NewProbe creates Probe in offline state, call Check or Run to update it.
func NewProbe(cfg ProbeConfig) *Probe {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	p := &Probe{
		Switch: offline.NewSwitch(false),
		config: cfg,
		client: cfg.HTTPClient,
		log:    cfg.Logger,
	}

	if p.client == nil {
		p.client = http.DefaultClient
	}

	if p.log == nil {
		p.log = ctxd.NoOpLogger{}
	}

	return p
}

// Check polls health endpoint once and updates state.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.ping(ctx)

	if p.SetOnline(online) {
		if online {
			p.log.Info(ctx, "backend is reachable", "url", p.config.URL)
		} else {
			p.log.Warn(ctx, "backend is unreachable", "url", p.config.URL)
		}
	}

	return online
}

func (p *Probe) ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}

	_ = resp.Body.Close()

	return resp.StatusCode < 400
}

// Run checks health periodically until context is done.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		p.Check(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
