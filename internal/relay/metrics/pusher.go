package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
)

// PushConfig holds configuration for pushing metrics to a Pushgateway.
type PushConfig struct {
	URL      string        `env:"PUSHGATEWAY_URL"`
	Job      string        `env:"PUSHGATEWAY_JOB" envDefault:"waha-webhook-listener"`
	Auth     bool          `env:"PUSHGATEWAY_AUTH" envDefault:"false"`
	Interval time.Duration `env:"PUSH_INTERVAL" envDefault:"15s"`
	Timeout  time.Duration `env:"PUSH_TIMEOUT" envDefault:"5s"`
}

// TokenSource issues identity tokens for an audience.
type TokenSource interface {
	Token(ctx context.Context, audience string) (string, error)
}

// Pusher pushes a Registry to a Pushgateway. Pushes are best-effort: failures
// are counted and logged, never returned to request handlers.
type Pusher struct {
	config   PushConfig
	registry *Registry
	tokens   TokenSource
	client   *http.Client
	logger   *zap.Logger
	trigger  chan struct{}
}

// NewPusher creates a pusher. tokens may be nil when config.Auth is false.
func NewPusher(config PushConfig, registry *Registry, tokens TokenSource, logger *zap.Logger) (*Pusher, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("pushgateway url is required")
	}
	if config.Auth && tokens == nil {
		return nil, fmt.Errorf("pushgateway auth requires a token source")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	return &Pusher{
		config:   config,
		registry: registry,
		tokens:   tokens,
		client:   &http.Client{Timeout: config.Timeout},
		logger:   logger.Named("metrics-pusher"),
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Trigger schedules a push without blocking. Triggers that arrive while a
// push is pending are coalesced.
func (p *Pusher) Trigger() {
	if p == nil {
		return
	}

	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run pushes on every trigger and on the configured interval until ctx is
// done, then performs a final push.
func (p *Pusher) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if p.config.Interval > 0 {
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
			_ = p.Push(finalCtx)
			cancel()
			return nil
		case <-p.trigger:
			_ = p.Push(ctx)
		case <-tick:
			_ = p.Push(ctx)
		}
	}
}

// Push sends the current registry contents, replacing the job's group.
func (p *Pusher) Push(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	var doer push.HTTPDoer = p.client
	if p.config.Auth {
		token, err := p.tokens.Token(ctx, p.config.URL)
		if err != nil {
			return p.fail(fmt.Errorf("failed to fetch identity token: %w", err))
		}
		doer = bearerDoer{client: p.client, token: token}
	}

	err := push.New(p.config.URL, p.config.Job).
		Gatherer(p.registry.Gatherer()).
		Client(doer).
		PushContext(ctx)
	if err != nil {
		return p.fail(fmt.Errorf("failed to push metrics: %w", err))
	}

	p.logger.Debug("metrics pushed", zap.String("job", p.config.Job))
	return nil
}

func (p *Pusher) fail(err error) error {
	p.registry.RecordPushFailure()
	p.logger.Warn("metrics push failed", zap.String("url", p.config.URL), zap.Error(err))
	return err
}

type bearerDoer struct {
	client *http.Client
	token  string
}

func (d bearerDoer) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+d.token)
	return d.client.Do(req)
}
