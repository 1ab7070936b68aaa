package watch

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/hyve/pkg/events"
	"github.com/go-go-golems/hyve/pkg/health"
	"github.com/go-go-golems/hyve/pkg/metrics"
	"github.com/go-go-golems/hyve/pkg/supervise"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultDebounce = 2 * time.Second

// Preparer reruns a service's preparation command.
type Preparer interface {
	Prepare(ctx context.Context, req supervise.PrepareRequest) error
}

// Gate waits for a trigger to be healthy before its dependents react.
type Gate interface {
	Await(ctx context.Context, url string, budget time.Duration) bool
}

type Options struct {
	EnvDir string
	Set    *Set

	Preparer Preparer
	Gate     Gate
	// RunningPorts supplies ${<svc>_port} values for preparation commands.
	RunningPorts func() map[string]int

	Debounce     time.Duration
	ReadyBudget  time.Duration
	PollInterval time.Duration
	// Primary opens the native watcher; the polling watcher is the fallback.
	Primary Factory
	Events  events.Publisher
}

type Reactor struct {
	opts Options
}

func NewReactor(opts Options) (*Reactor, error) {
	if opts.Set == nil {
		return nil, errors.New("missing watch set")
	}
	if opts.Preparer == nil {
		return nil, errors.New("missing preparer")
	}
	if opts.Gate == nil {
		opts.Gate = health.New(health.Options{})
	}
	if opts.RunningPorts == nil {
		opts.RunningPorts = func() map[string]int { return nil }
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.ReadyBudget <= 0 {
		opts.ReadyBudget = health.ReadyBudget
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Reactor{opts: opts}, nil
}

// Run watches every trigger until ctx is cancelled. It returns an error only
// when a trigger's watcher cannot be opened at all.
func (r *Reactor) Run(ctx context.Context) error {
	watchers := make([]Watcher, 0, len(r.opts.Set.Triggers))
	for _, trig := range r.opts.Set.Triggers {
		w, mode, err := Open(trig.Dir, trig.Globs, r.opts.Primary, r.opts.PollInterval)
		if err != nil {
			for _, opened := range watchers {
				_ = opened.Close()
			}
			return errors.Wrapf(err, "watch %s", trig.Name)
		}
		watchers = append(watchers, w)
		r.opts.Events.Publish(events.Event{
			Type:     events.TypeWatchStarted,
			Service:  trig.Name,
			Status:   mode,
			Services: dependentNames(r.opts.Set.Dependents[trig.Name]),
			Message:  strings.Join(trig.Globs, ", "),
		})
		log.Info().Str("trigger", trig.Name).Str("mode", mode).Strs("globs", trig.Globs).Msg("watching")
	}

	var g errgroup.Group
	for i, trig := range r.opts.Set.Triggers {
		w := watchers[i]
		g.Go(func() error {
			r.watchTrigger(ctx, trig, w)
			return nil
		})
	}
	return g.Wait()
}

func (r *Reactor) watchTrigger(ctx context.Context, trig Trigger, w Watcher) {
	defer func() { _ = w.Close() }()
	deb := NewDebouncer(r.opts.Debounce)
	defer deb.Stop()

	// reactions run on their own goroutine so events keep re-arming the
	// debouncer while a reaction is in flight
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-deb.C():
				r.React(ctx, trig)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case path, ok := <-w.Events():
			if !ok {
				<-done
				return
			}
			log.Debug().Str("trigger", trig.Name).Str("path", path).Msg("file changed")
			deb.Trigger()
		case err := <-w.Errors():
			log.Warn().Err(err).Str("trigger", trig.Name).Msg("watch error")
		}
	}
}

// React handles one settled burst of changes on trig.
func (r *Reactor) React(ctx context.Context, trig Trigger) {
	deps := r.opts.Set.Dependents[trig.Name]
	if len(deps) == 0 {
		log.Info().Str("trigger", trig.Name).Msg("no services depend on this trigger")
		return
	}

	if trig.HealthCheckURL != "" {
		url := supervise.Substitute(trig.HealthCheckURL, trig.Port, nil)
		if !r.opts.Gate.Await(ctx, url, r.opts.ReadyBudget) {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Str("trigger", trig.Name).Str("url", url).Msg("trigger not healthy, skipping dependents")
			metrics.IncWatchReaction(trig.Name, "skipped")
			r.opts.Events.Publish(events.Event{Type: events.TypeWatchSkipped, Service: trig.Name, Message: url})
			return
		}
	}

	r.opts.Events.Publish(events.Event{Type: events.TypeWatchTriggered, Service: trig.Name, Services: dependentNames(deps)})
	metrics.IncWatchReaction(trig.Name, "ran")
	for _, dep := range deps {
		if ctx.Err() != nil {
			return
		}
		err := r.opts.Preparer.Prepare(ctx, supervise.PrepareRequest{
			Spec:   dep.Spec,
			Port:   dep.Port,
			EnvDir: r.opts.EnvDir,
			Ports:  r.opts.RunningPorts(),
		})
		if err != nil {
			log.Warn().Err(err).Str("trigger", trig.Name).Str("service", dep.Spec.Name).Msg("prepare after change failed")
			continue
		}
		log.Info().Str("trigger", trig.Name).Str("service", dep.Spec.Name).Msg("prepare after change done")
	}
}

func dependentNames(deps []Dependent) []string {
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		out = append(out, d.Spec.Name)
	}
	return out
}
