// Package fallback checks and recovers the fallback providers used when the
// key pool is exhausted.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/keyrelay/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ReadinessProbe = (*Probe)(nil)

const attemptTimeout = 2 * time.Second

// Probe checks a provider endpoint over HTTP. Recovery optionally launches a
// local service and then polls the endpoint with exponential backoff until
// it answers or the context ends.
type Probe struct {
	client     *http.Client
	url        string
	startCmd   []string
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	// start launches argv without waiting for it to exit.
	start func(argv []string) error
}

// Option configures a Probe.
type Option func(*Probe)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Probe) { p.client = c }
}

// WithStartCommand sets the command Recover launches, e.g. ["ollama", "serve"].
func WithStartCommand(argv []string) Option {
	return func(p *Probe) { p.startCmd = argv }
}

// WithLogger sets the logger used during recovery.
func WithLogger(l *slog.Logger) Option {
	return func(p *Probe) { p.logger = l }
}

// WithBackOff replaces the polling schedule used by Recover.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(p *Probe) { p.newBackOff = fn }
}

// NewProbe creates a Probe for url.
func NewProbe(url string, opts ...Option) *Probe {
	p := &Probe{
		client:     &http.Client{},
		url:        url,
		logger:     slog.Default(),
		newBackOff: defaultBackOff,
		start:      startDetached,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe returns nil when the endpoint answered with a non-5xx status.
func (p *Probe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("building probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probing %s: %w", p.url, err)
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probing %s: status %d", p.url, resp.StatusCode)
	}
	return nil
}

// Recover launches the start command, if any, and polls until the endpoint
// is ready. It returns the last probe error when ctx ends first.
func (p *Probe) Recover(ctx context.Context) error {
	if len(p.startCmd) > 0 {
		if err := p.start(p.startCmd); err != nil {
			return fmt.Errorf("starting %s: %w", p.startCmd[0], err)
		}
		p.logger.Info("launched fallback service", "command", p.startCmd[0], "url", p.url)
	}

	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		err := p.Probe(attemptCtx)
		if err != nil {
			p.logger.Debug("fallback service not ready", "url", p.url, "attempt", attempt, "error", err)
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(p.newBackOff(), ctx)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func startDetached(argv []string) error {
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // operator-configured command
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
