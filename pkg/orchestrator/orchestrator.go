// Package orchestrator brings up a requested set of services level by level.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"syscall"
	"time"

	"github.com/go-go-golems/hyve/pkg/engine"
	"github.com/go-go-golems/hyve/pkg/events"
	"github.com/go-go-golems/hyve/pkg/metrics"
	"github.com/go-go-golems/hyve/pkg/ports"
	"github.com/go-go-golems/hyve/pkg/state"
	"github.com/go-go-golems/hyve/pkg/supervise"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Starter is the part of the supervisor the orchestrator drives.
type Starter interface {
	StartOne(ctx context.Context, req supervise.StartRequest) supervise.Outcome
	Platform() supervise.Platform
}

type Options struct {
	EnvName string
	EnvDir  string
	Ports   ports.Allocator
	Specs   map[string]engine.ServiceSpec

	// InterLevelDelay defaults to 3s; a negative value disables it.
	InterLevelDelay time.Duration
	SweepPasses     int
	SweepSettle     time.Duration
	SkipSweep       bool

	Run    *RunContext
	Events events.Publisher
}

type Orchestrator struct {
	opts    Options
	starter Starter
}

func New(starter Starter, opts Options) *Orchestrator {
	if opts.InterLevelDelay < 0 {
		opts.InterLevelDelay = 0
	} else if opts.InterLevelDelay == 0 {
		opts.InterLevelDelay = 3 * time.Second
	}
	if opts.SweepPasses <= 0 {
		opts.SweepPasses = 2
	}
	if opts.SweepSettle <= 0 {
		opts.SweepSettle = 500 * time.Millisecond
	}
	if opts.Run == nil {
		opts.Run = NewRunContext()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Orchestrator{opts: opts, starter: starter}
}

func (o *Orchestrator) Run() *RunContext { return o.opts.Run }

// Port returns the resolved port of a known service.
func (o *Orchestrator) Port(name string) int {
	return o.opts.Ports.Port(o.opts.Specs[name].DefaultPort)
}

// Result is everything a caller needs to report on a run.
type Result struct {
	Plan       *engine.Plan
	Outcomes   []supervise.Outcome
	AtRisk     map[string][]string
	SweepKills int
}

func (r *Result) Succeeded() []supervise.Outcome {
	var out []supervise.Outcome
	for _, o := range r.Outcomes {
		if o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

func (r *Result) Failed() []supervise.Outcome {
	var out []supervise.Outcome
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			out = append(out, o)
		}
	}
	return out
}

// Started counts services that came up successfully.
func (r *Result) Started() int { return len(r.Succeeded()) }

func (r *Result) Outcome(name string) (supervise.Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Name == name {
			return o, true
		}
	}
	return supervise.Outcome{}, false
}

// RunAll resolves requested, sweeps stale listeners off their ports and then
// starts each level concurrently. Configuration errors are returned before
// anything is killed or spawned. A cancelled ctx stops after the current
// level and returns the partial result together with ctx's error.
func (o *Orchestrator) RunAll(ctx context.Context, requested []string) (*Result, error) {
	plan, err := engine.Resolve(requested, o.opts.Specs)
	if err != nil {
		return nil, err
	}
	res := &Result{Plan: plan, AtRisk: map[string][]string{}}

	if !o.opts.SkipSweep {
		res.SweepKills = o.Sweep(ctx, plan.Order)
	}

	for i, level := range plan.Levels {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		o.opts.Events.Publish(events.Event{Type: events.TypeLevelStarted, Level: i, Services: level})
		log.Info().Int("level", i).Strs("services", level).Msg("starting level")

		outcomes := o.startLevel(ctx, plan, level)
		var failed []string
		for _, out := range outcomes {
			res.Outcomes = append(res.Outcomes, out)
			if out.Succeeded() {
				o.opts.Run.MarkRunning(out.Name, out.Port)
			} else {
				failed = append(failed, out.Name)
			}
		}
		o.opts.Events.Publish(events.Event{Type: events.TypeLevelFinished, Level: i, Services: level})

		for _, f := range failed {
			dependents := plan.DependentsOf(f, i)
			for _, dependent := range dependents {
				res.AtRisk[dependent] = append(res.AtRisk[dependent], f)
			}
			if len(dependents) == 0 {
				continue
			}
			o.opts.Events.Publish(events.Event{Type: events.TypeServiceAtRisk, Service: f, Services: dependents})
			log.Warn().Str("failed", f).Strs("dependents", dependents).Msg("dependents at risk")
		}

		if i < len(plan.Levels)-1 && o.opts.InterLevelDelay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(o.opts.InterLevelDelay):
			}
		}
	}

	if err := o.saveState(res); err != nil {
		log.Warn().Err(err).Msg("save run state")
	}
	return res, ctx.Err()
}

func (o *Orchestrator) startLevel(ctx context.Context, plan *engine.Plan, level []string) []supervise.Outcome {
	outcomes := make([]supervise.Outcome, len(level))
	var g errgroup.Group
	for idx, name := range level {
		req := o.startRequest(plan, name)
		g.Go(func() error {
			outcomes[idx] = o.starter.StartOne(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) startRequest(plan *engine.Plan, name string) supervise.StartRequest {
	spec := o.opts.Specs[name]
	var deps []supervise.Dependency
	for _, dep := range plan.DependsOn(name) {
		deps = append(deps, supervise.Dependency{Name: dep, HealthCheckURL: o.opts.Specs[dep].HealthCheckURL})
	}
	return supervise.StartRequest{
		Spec:         spec,
		Port:         o.Port(name),
		EnvDir:       o.opts.EnvDir,
		Dependencies: deps,
		Registry:     o.opts.Run,
	}
}

// Sweep kills whatever listens on the default or resolved port of names,
// repeating after a short settle so freshly freed ports are rechecked.
func (o *Orchestrator) Sweep(ctx context.Context, names []string) int {
	seen := map[int]bool{}
	var targets []int
	for _, name := range names {
		spec, ok := o.opts.Specs[name]
		if !ok {
			continue
		}
		for _, p := range []int{spec.DefaultPort, o.Port(name)} {
			if p > 0 && !seen[p] {
				seen[p] = true
				targets = append(targets, p)
			}
		}
	}
	sort.Ints(targets)

	platform := o.starter.Platform()
	kills := 0
	for pass := 0; pass < o.opts.SweepPasses; pass++ {
		if pass > 0 {
			select {
			case <-ctx.Done():
				return kills
			case <-time.After(o.opts.SweepSettle):
			}
		}
		for _, port := range targets {
			killed := supervise.KillPort(ctx, platform, port, syscall.SIGKILL)
			for _, pid := range killed {
				log.Info().Int("port", port).Int("pid", pid).Msg("killed stale process")
			}
			kills += len(killed)
		}
	}
	metrics.AddSweepKills(kills)
	o.opts.Events.Publish(events.Event{
		Type:    events.TypeSweepFinished,
		Message: fmt.Sprintf("%d stale process(es) on %d port(s)", kills, len(targets)),
	})
	return kills
}

func (o *Orchestrator) saveState(res *Result) error {
	if o.opts.EnvDir == "" {
		return nil
	}
	st := &state.State{
		Environment: o.opts.EnvName,
		EnvDir:      o.opts.EnvDir,
		Index:       o.opts.Ports.EnvIndex,
		CreatedAt:   time.Now(),
	}
	for _, out := range res.Outcomes {
		st.Services = append(st.Services, out.Record())
	}
	return state.Save(o.opts.EnvDir, st)
}
