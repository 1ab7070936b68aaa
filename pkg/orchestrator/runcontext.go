package orchestrator

import (
	"sort"
	"sync"
	"syscall"

	"github.com/go-go-golems/hyve/pkg/metrics"
	"github.com/go-go-golems/hyve/pkg/supervise"
	"github.com/rs/zerolog/log"
)

// RunContext is the mutable state of one run invocation: the startup phase
// flag, every pid captured so far and the ports of services that came up.
// It replaces process-wide globals so concurrent runs do not interfere.
type RunContext struct {
	mu          sync.Mutex
	startup     bool
	interrupted bool
	platform    supervise.Platform

	pids     map[string]int
	captured []int
	ports    map[string]int

	completeOnce sync.Once
}

var _ supervise.Registry = (*RunContext)(nil)

func NewRunContext() *RunContext {
	return &RunContext{
		startup: true,
		pids:    map[string]int{},
		ports:   map[string]int{},
	}
}

// TrackPID records a freshly spawned pid. A pid captured after Interrupt is
// terminated right away.
func (r *RunContext) TrackPID(name string, pid int) {
	r.mu.Lock()
	r.pids[name] = pid
	r.captured = append(r.captured, pid)
	late := r.interrupted
	platform := r.platform
	n := len(r.pids)
	r.mu.Unlock()

	metrics.SetRunning(n)
	if late && platform != nil {
		log.Warn().Str("service", name).Int("pid", pid).Msg("pid captured after interrupt, terminating")
		_ = supervise.Terminate(platform, pid, syscall.SIGTERM)
	}
}

// MarkRunning records the port of a service that started successfully.
func (r *RunContext) MarkRunning(name string, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[name] = port
}

func (r *RunContext) RunningPort(name string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ports[name]
	return p, ok
}

func (r *RunContext) RunningPorts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.ports))
	for k, v := range r.ports {
		out[k] = v
	}
	return out
}

// PID returns the pid captured for name in this run.
func (r *RunContext) PID(name string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid, ok := r.pids[name]
	return pid, ok
}

// Services lists the names with a captured pid, sorted.
func (r *RunContext) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pids))
	for name := range r.pids {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *RunContext) InStartup() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startup
}

// Interrupted reports whether Interrupt acted during startup.
func (r *RunContext) Interrupted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interrupted
}

// CompleteStartup leaves the startup phase. After this, Interrupt never
// touches spawned services.
func (r *RunContext) CompleteStartup() {
	r.completeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.startup = false
	})
}

// Interrupt terminates every pid captured so far if the run is still in its
// startup phase and returns them. Outside startup it does nothing.
func (r *RunContext) Interrupt(platform supervise.Platform) []int {
	r.mu.Lock()
	if !r.startup {
		r.mu.Unlock()
		return nil
	}
	r.interrupted = true
	r.platform = platform
	pids := append([]int{}, r.captured...)
	r.mu.Unlock()

	for _, pid := range pids {
		if err := supervise.Terminate(platform, pid, syscall.SIGTERM); err != nil {
			log.Debug().Err(err).Int("pid", pid).Msg("terminate on interrupt")
		}
	}
	return pids
}
