// Package health polls HTTP endpoints until they report readiness.
package health

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// DependencyBudget bounds how long a starting service waits on each
	// already-running dependency.
	DependencyBudget = 30 * time.Second
	// ReadyBudget bounds how long a freshly spawned service may take to
	// become healthy.
	ReadyBudget = 5 * time.Minute

	DefaultInterval       = 1 * time.Second
	DefaultAttemptTimeout = 5 * time.Second
)

type Options struct {
	Interval       time.Duration
	AttemptTimeout time.Duration
	Client         *http.Client
}

type Gate struct {
	opts Options
}

func New(opts Options) *Gate {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &Gate{opts: opts}
}

// Await polls url until it answers 2xx, budget elapses, or ctx ends. Failed
// attempts are never surfaced; the result is only whether readiness was seen.
func (g *Gate) Await(ctx context.Context, url string, budget time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	t := time.NewTicker(g.opts.Interval)
	defer t.Stop()

	attempts := 0
	for {
		attempts++
		err := g.Check(ctx, url)
		if err == nil {
			return true
		}
		if attempts%10 == 0 {
			log.Debug().Str("url", url).Int("attempts", attempts).Err(err).Msg("still waiting for health")
		}

		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
}

// Check performs a single probe bounded by the per-attempt timeout.
func (g *Gate) Check(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build health request")
	}
	resp, err := g.opts.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "health request")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}
