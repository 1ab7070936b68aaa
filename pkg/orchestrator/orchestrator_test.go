package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-go-golems/hyve/pkg/engine"
	"github.com/go-go-golems/hyve/pkg/events"
	"github.com/go-go-golems/hyve/pkg/ports"
	"github.com/go-go-golems/hyve/pkg/state"
	"github.com/go-go-golems/hyve/pkg/supervise"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakePlatform struct {
	mu        sync.Mutex
	listeners map[int][]int
	lookups   int
	calls     []string
}

func (f *fakePlatform) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakePlatform) KillGroup(pid int, sig syscall.Signal) error {
	f.record("group %d", pid)
	return nil
}

func (f *fakePlatform) KillSingle(pid int, sig syscall.Signal) error {
	f.record("single %d %s", pid, sig)
	return nil
}

func (f *fakePlatform) KillChildren(pid int, sig syscall.Signal) (int, error) { return 0, nil }

func (f *fakePlatform) PIDsOnPort(ctx context.Context, port int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.listeners[port], nil
}

func (f *fakePlatform) Alive(pid int) bool { return false }

func (f *fakePlatform) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

type fakeStarter struct {
	mu       sync.Mutex
	platform *fakePlatform
	started  []string
	finished []string
	start    func(ctx context.Context, req supervise.StartRequest) supervise.Outcome
}

func (f *fakeStarter) Platform() supervise.Platform { return f.platform }

func (f *fakeStarter) StartOne(ctx context.Context, req supervise.StartRequest) supervise.Outcome {
	f.mu.Lock()
	f.started = append(f.started, req.Spec.Name)
	f.mu.Unlock()

	out := supervise.Outcome{Name: req.Spec.Name, Port: req.Port, Status: state.StatusHealthy}
	if f.start != nil {
		out = f.start(ctx, req)
	}

	f.mu.Lock()
	f.finished = append(f.finished, req.Spec.Name)
	f.mu.Unlock()
	return out
}

func (f *fakeStarter) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.started...)
}

func scenarioSpecs() map[string]engine.ServiceSpec {
	return map[string]engine.ServiceSpec{
		"db":     {Name: "db", DefaultPort: 3002},
		"server": {Name: "server", DefaultPort: 3000, DependsOn: []string{"db"}, HealthCheckURL: "http://localhost:${port}/health"},
		"web":    {Name: "web", DefaultPort: 3001, DependsOn: []string{"server"}},
	}
}

func newTestOrchestrator(t *testing.T, starter *fakeStarter, specs map[string]engine.ServiceSpec, rec events.Publisher) *Orchestrator {
	return New(starter, Options{
		EnvName:         "feature-a",
		EnvDir:          t.TempDir(),
		Ports:           ports.Allocator{BasePort: 4000, PortOffset: 1000, EnvIndex: 1},
		Specs:           specs,
		InterLevelDelay: -1,
		SweepSettle:     time.Millisecond,
		Events:          rec,
	})
}

func TestRunAll_FailedDependencyMarksDependentsAtRisk(t *testing.T) {
	starter := &fakeStarter{platform: &fakePlatform{}}
	starter.start = func(ctx context.Context, req supervise.StartRequest) supervise.Outcome {
		out := supervise.Outcome{Name: req.Spec.Name, Port: req.Port, PID: 100, Status: state.StatusHealthy}
		if req.Spec.Name == "server" {
			out.Status = state.StatusUnhealthy
			out.Err = supervise.ErrHealthCheckTimeout
		}
		return out
	}
	rec := &events.Recorder{}
	o := newTestOrchestrator(t, starter, scenarioSpecs(), rec)

	res, err := o.RunAll(context.Background(), []string{"web", "server", "db"})
	require.NoError(t, err)
	require.Equal(t, [][]string{{"db"}, {"server"}, {"web"}}, res.Plan.Levels)
	require.Equal(t, []string{"db", "server", "web"}, starter.Started())
	require.Equal(t, map[string][]string{"web": {"server"}}, res.AtRisk)
	require.Equal(t, 2, res.Started())
	require.Len(t, res.Failed(), 1)
	require.Equal(t, "server", res.Failed()[0].Name)

	atRisk := rec.OfType(events.TypeServiceAtRisk)
	require.Len(t, atRisk, 1)
	require.Equal(t, "server", atRisk[0].Service)
	require.Equal(t, []string{"web"}, atRisk[0].Services)

	_, ok := o.Run().RunningPort("server")
	require.False(t, ok)
	port, ok := o.Run().RunningPort("db")
	require.True(t, ok)
	require.Equal(t, 5002, port)

	st, err := state.Load(o.opts.EnvDir)
	require.NoError(t, err)
	require.Len(t, st.Services, 3)
	require.Equal(t, "feature-a", st.Environment)
}

func TestRunAll_ResolvedPortsAndDependencies(t *testing.T) {
	starter := &fakeStarter{platform: &fakePlatform{}}
	var mu sync.Mutex
	reqs := map[string]supervise.StartRequest{}
	starter.start = func(ctx context.Context, req supervise.StartRequest) supervise.Outcome {
		mu.Lock()
		reqs[req.Spec.Name] = req
		mu.Unlock()
		return supervise.Outcome{Name: req.Spec.Name, Port: req.Port, Status: state.StatusHealthy}
	}
	o := newTestOrchestrator(t, starter, scenarioSpecs(), nil)

	_, err := o.RunAll(context.Background(), []string{"web", "server", "db"})
	require.NoError(t, err)
	require.Equal(t, 5000, reqs["server"].Port)
	require.Equal(t, 5001, reqs["web"].Port)
	require.Equal(t, []supervise.Dependency{{Name: "server", HealthCheckURL: "http://localhost:${port}/health"}}, reqs["web"].Dependencies)
	require.Equal(t, []supervise.Dependency{{Name: "db"}}, reqs["server"].Dependencies)
}

func TestRunAll_LevelMembersRunConcurrently(t *testing.T) {
	specs := map[string]engine.ServiceSpec{
		"a": {Name: "a", DefaultPort: 3000},
		"b": {Name: "b", DefaultPort: 3001},
		"c": {Name: "c", DefaultPort: 3002, DependsOn: []string{"a", "b"}},
	}
	var wg sync.WaitGroup
	wg.Add(2)
	starter := &fakeStarter{platform: &fakePlatform{}}
	starter.start = func(ctx context.Context, req supervise.StartRequest) supervise.Outcome {
		if req.Spec.Name != "c" {
			// both members of the first level must be in flight together
			wg.Done()
			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				return supervise.Outcome{Name: req.Spec.Name, Status: state.StatusFailed, Err: errors.New("sibling never started")}
			}
		}
		return supervise.Outcome{Name: req.Spec.Name, Port: req.Port, Status: state.StatusHealthy}
	}
	o := newTestOrchestrator(t, starter, specs, nil)

	res, err := o.RunAll(context.Background(), []string{"c", "a", "b"})
	require.NoError(t, err)
	require.Equal(t, 3, res.Started())
	require.Equal(t, "c", starter.Started()[2])
}

func TestRunAll_ConfigErrorBeforeSweep(t *testing.T) {
	fp := &fakePlatform{}
	starter := &fakeStarter{platform: fp}
	specs := map[string]engine.ServiceSpec{
		"a": {Name: "a", DefaultPort: 3000, DependsOn: []string{"b"}},
		"b": {Name: "b", DefaultPort: 3001, DependsOn: []string{"a"}},
	}
	o := newTestOrchestrator(t, starter, specs, nil)

	_, err := o.RunAll(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	require.True(t, engine.IsConfigError(err))
	require.True(t, errors.Is(err, engine.ErrDependencyCycle))
	require.Zero(t, fp.lookups)
	require.Empty(t, starter.Started())
}

func TestSweep_DefaultAndResolvedPortsTwice(t *testing.T) {
	fp := &fakePlatform{listeners: map[int][]int{3000: {11}, 5000: {12}}}
	starter := &fakeStarter{platform: fp}
	o := newTestOrchestrator(t, starter, scenarioSpecs(), nil)

	kills := o.Sweep(context.Background(), []string{"server"})
	require.Equal(t, 4, kills)
	require.Equal(t, 4, fp.lookups)
	require.Equal(t, []string{
		"single 11 killed", "single 12 killed",
		"single 11 killed", "single 12 killed",
	}, fp.Calls())
}

func TestRunAll_InterruptTerminatesOnlyCapturedPIDs(t *testing.T) {
	fp := &fakePlatform{}
	starter := &fakeStarter{platform: fp}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var o *Orchestrator
	var interrupted []int
	starter.start = func(ctx context.Context, req supervise.StartRequest) supervise.Outcome {
		pid := map[string]int{"db": 101, "server": 102, "web": 103}[req.Spec.Name]
		req.Registry.TrackPID(req.Spec.Name, pid)
		if req.Spec.Name == "server" {
			// operator hits ctrl-c while server is starting
			interrupted = o.Run().Interrupt(fp)
			cancel()
			return supervise.Outcome{Name: req.Spec.Name, PID: pid, Status: state.StatusFailed, Err: ctx.Err()}
		}
		return supervise.Outcome{Name: req.Spec.Name, Port: req.Port, PID: pid, Status: state.StatusHealthy}
	}
	o = newTestOrchestrator(t, starter, scenarioSpecs(), nil)
	o.opts.SkipSweep = true

	res, err := o.RunAll(ctx, []string{"db", "server", "web"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []int{101, 102}, interrupted)
	require.Equal(t, []string{"group 101", "group 102"}, fp.Calls())
	require.Equal(t, []string{"db", "server"}, starter.Started())
	require.Len(t, res.Outcomes, 2)
}

func TestRunContext_NoInterruptAfterStartup(t *testing.T) {
	fp := &fakePlatform{}
	run := NewRunContext()
	run.TrackPID("db", 101)
	require.True(t, run.InStartup())

	run.CompleteStartup()
	run.CompleteStartup()
	require.False(t, run.InStartup())
	require.Nil(t, run.Interrupt(fp))
	require.Empty(t, fp.Calls())

	pid, ok := run.PID("db")
	require.True(t, ok)
	require.Equal(t, 101, pid)
	require.Equal(t, []string{"db"}, run.Services())
}

func TestRunContext_LateCaptureIsTerminated(t *testing.T) {
	fp := &fakePlatform{}
	run := NewRunContext()
	run.TrackPID("db", 101)
	require.Equal(t, []int{101}, run.Interrupt(fp))

	run.TrackPID("server", 102)
	require.Equal(t, []string{"group 101", "group 102"}, fp.Calls())
}

func TestRunAll_InterLevelDelayBetweenLevelsOnly(t *testing.T) {
	const delay = 150 * time.Millisecond
	starter := &fakeStarter{platform: &fakePlatform{}}
	var mu sync.Mutex
	startedAt := map[string]time.Time{}
	starter.start = func(ctx context.Context, req supervise.StartRequest) supervise.Outcome {
		mu.Lock()
		startedAt[req.Spec.Name] = time.Now()
		mu.Unlock()
		return supervise.Outcome{Name: req.Spec.Name, Port: req.Port, Status: state.StatusHealthy}
	}
	o := New(starter, Options{
		EnvDir:          t.TempDir(),
		Ports:           ports.Allocator{BasePort: 4000, PortOffset: 1000},
		Specs:           scenarioSpecs(),
		InterLevelDelay: delay,
		SkipSweep:       true,
	})

	begin := time.Now()
	_, err := o.RunAll(context.Background(), []string{"web", "server", "db"})
	require.NoError(t, err)
	elapsed := time.Since(begin)

	require.GreaterOrEqual(t, startedAt["server"].Sub(startedAt["db"]), delay)
	require.GreaterOrEqual(t, startedAt["web"].Sub(startedAt["server"]), delay)
	// two gaps for three levels, none after the last
	require.Less(t, elapsed, 3*delay)
}

func TestRunAll_CancelDuringInterLevelDelay(t *testing.T) {
	starter := &fakeStarter{platform: &fakePlatform{}}
	o := New(starter, Options{
		EnvDir:          t.TempDir(),
		Ports:           ports.Allocator{BasePort: 4000, PortOffset: 1000},
		Specs:           scenarioSpecs(),
		InterLevelDelay: time.Minute,
		SkipSweep:       true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := o.RunAll(ctx, []string{"web", "server", "db"})
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, []string{"db"}, starter.Started())
	require.Len(t, res.Outcomes, 1)
}
