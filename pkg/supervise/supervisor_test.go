package supervise

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-go-golems/hyve/pkg/engine"
	"github.com/go-go-golems/hyve/pkg/health"
	"github.com/go-go-golems/hyve/pkg/state"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu    sync.Mutex
	ports map[string]int
	pids  map[string]int
}

func newFakeRegistry(ports map[string]int) *fakeRegistry {
	if ports == nil {
		ports = map[string]int{}
	}
	return &fakeRegistry{ports: ports, pids: map[string]int{}}
}

func (r *fakeRegistry) RunningPort(name string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ports[name]
	return p, ok
}

func (r *fakeRegistry) RunningPorts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.ports))
	for k, v := range r.ports {
		out[k] = v
	}
	return out
}

func (r *fakeRegistry) TrackPID(name string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids[name] = pid
}

func newEnv(t *testing.T, services ...string) string {
	envDir, err := os.MkdirTemp("", "hyve-supervise-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(envDir) })
	for _, svc := range services {
		require.NoError(t, os.MkdirAll(filepath.Join(envDir, svc), 0o755))
	}
	return envDir
}

func testSupervisor(opts Options) *Supervisor {
	opts.Shell = []string{"/bin/sh", "-c"}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = 200 * time.Millisecond
	}
	if opts.ReadyBudget == 0 {
		opts.ReadyBudget = 2 * time.Second
	}
	if opts.DependencyBudget == 0 {
		opts.DependencyBudget = 300 * time.Millisecond
	}
	opts.Gate = health.New(health.Options{Interval: 50 * time.Millisecond, AttemptTimeout: 200 * time.Millisecond})
	return New(opts)
}

func closedPort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func killGroup(pid int) {
	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func waitDead(pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for state.ProcessAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	return !state.ProcessAlive(pid)
}

func TestSupervisor_StartStop_Sleep(t *testing.T) {
	envDir := newEnv(t, "sleeper")
	s := testSupervisor(Options{})
	reg := newFakeRegistry(nil)

	out := s.StartOne(context.Background(), StartRequest{
		Spec:     engine.ServiceSpec{Name: "sleeper", DefaultPort: 3000, RunCommand: "echo listening on $PORT; sleep 30"},
		Port:     4555,
		EnvDir:   envDir,
		Registry: reg,
	})
	require.NoError(t, out.Err)
	require.True(t, out.Succeeded())
	require.Equal(t, state.StatusHealthy, out.Status)
	require.True(t, state.ProcessAlive(out.PID))
	defer killGroup(out.PID)
	require.Equal(t, out.PID, reg.pids["sleeper"])

	pid, ok := state.ReadPID(state.PIDPath(envDir, "sleeper"))
	require.True(t, ok)
	require.Equal(t, out.PID, pid)

	b, err := os.ReadFile(out.LogPath)
	require.NoError(t, err)
	require.Contains(t, string(b), "==> ")
	require.Contains(t, string(b), "listening on 4555")

	res := s.StopOne(context.Background(), StopRequest{Name: "sleeper", EnvDir: envDir})
	require.True(t, res.Stopped)
	require.False(t, res.AlreadyStopped)
	require.True(t, waitDead(out.PID, 3*time.Second))

	_, ok = state.ReadPID(state.PIDPath(envDir, "sleeper"))
	require.False(t, ok)
}

func TestSupervisor_DirectoryNotFound(t *testing.T) {
	envDir := newEnv(t)
	s := testSupervisor(Options{})
	reg := newFakeRegistry(nil)

	out := s.StartOne(context.Background(), StartRequest{
		Spec:     engine.ServiceSpec{Name: "ghost", RunCommand: "sleep 30"},
		Port:     4000,
		EnvDir:   envDir,
		Registry: reg,
	})
	require.True(t, errors.Is(out.Err, ErrDirectoryNotFound))
	require.Equal(t, state.StatusFailed, out.Status)
	require.Zero(t, out.PID)
	require.Empty(t, reg.pids)
}

func TestSupervisor_ProcessExited(t *testing.T) {
	envDir := newEnv(t, "crasher")
	s := testSupervisor(Options{})
	reg := newFakeRegistry(nil)

	out := s.StartOne(context.Background(), StartRequest{
		Spec:     engine.ServiceSpec{Name: "crasher", RunCommand: "echo boom >&2; exit 3"},
		Port:     4000,
		EnvDir:   envDir,
		Registry: reg,
	})
	require.True(t, errors.Is(out.Err, ErrProcessExited))
	require.Equal(t, state.StatusFailed, out.Status)
	// the pid was captured before the process died
	require.NotZero(t, reg.pids["crasher"])

	b, err := os.ReadFile(out.LogPath)
	require.NoError(t, err)
	require.Contains(t, string(b), "boom")
}

func TestSupervisor_HealthCheckTimeoutLeavesProcessRunning(t *testing.T) {
	envDir := newEnv(t, "api")
	s := testSupervisor(Options{ReadyBudget: 400 * time.Millisecond})
	port := closedPort(t)

	out := s.StartOne(context.Background(), StartRequest{
		Spec: engine.ServiceSpec{
			Name:           "api",
			RunCommand:     "sleep 30",
			HealthCheckURL: "http://127.0.0.1:${port}/health",
		},
		Port:     port,
		EnvDir:   envDir,
		Registry: newFakeRegistry(nil),
	})
	defer killGroup(out.PID)
	require.True(t, errors.Is(out.Err, ErrHealthCheckTimeout))
	require.Equal(t, state.StatusUnhealthy, out.Status)
	require.Contains(t, out.Err.Error(), strconv.Itoa(port))
	require.True(t, state.ProcessAlive(out.PID))
}

func TestSupervisor_HealthyWhenEndpointAnswers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	envDir := newEnv(t, "api")
	s := testSupervisor(Options{})
	out := s.StartOne(context.Background(), StartRequest{
		Spec:     engine.ServiceSpec{Name: "api", RunCommand: "sleep 30", HealthCheckURL: srv.URL + "/health"},
		Port:     4000,
		EnvDir:   envDir,
		Registry: newFakeRegistry(nil),
	})
	defer killGroup(out.PID)
	require.NoError(t, out.Err)
	require.Equal(t, state.StatusHealthy, out.Status)
}

func TestSupervisor_PrepareFailureIsNotFatal(t *testing.T) {
	envDir := newEnv(t, "web")
	s := testSupervisor(Options{})

	out := s.StartOne(context.Background(), StartRequest{
		Spec:     engine.ServiceSpec{Name: "web", RunCommand: "sleep 30", PrepareCommand: "echo codegen broke; exit 1"},
		Port:     4001,
		EnvDir:   envDir,
		Registry: newFakeRegistry(nil),
	})
	defer killGroup(out.PID)
	require.NoError(t, out.Err)
	require.Equal(t, state.StatusHealthy, out.Status)
	require.Len(t, out.Warnings, 1)
	require.Contains(t, out.Warnings[0], ErrPreparationFailed.Error())

	b, err := os.ReadFile(state.PreparePath(envDir, "web"))
	require.NoError(t, err)
	require.Contains(t, string(b), "codegen broke")
}

func TestSupervisor_PrepareSubstitutesRunningPorts(t *testing.T) {
	envDir := newEnv(t, "web")
	s := testSupervisor(Options{})

	err := s.Prepare(context.Background(), PrepareRequest{
		Spec:   engine.ServiceSpec{Name: "web", PrepareCommand: "echo ${server_port} $PORT > ports.txt"},
		Port:   4001,
		EnvDir: envDir,
		Ports:  map[string]int{"server": 4000},
	})
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(envDir, "web", "ports.txt"))
	require.NoError(t, err)
	require.Equal(t, "4000 4001", strings.TrimSpace(string(b)))
}

func TestSupervisor_PrepareTimeoutKillsGroup(t *testing.T) {
	envDir := newEnv(t, "web")
	s := testSupervisor(Options{PrepareTimeout: 300 * time.Millisecond, ShutdownTimeout: time.Second})

	start := time.Now()
	err := s.Prepare(context.Background(), PrepareRequest{
		Spec:   engine.ServiceSpec{Name: "web", PrepareCommand: "sleep 10"},
		Port:   4001,
		EnvDir: envDir,
	})
	require.True(t, errors.Is(err, ErrPreparationFailed))
	require.Contains(t, err.Error(), "timed out")
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestSupervisor_UnhealthyDependencyIsAWarning(t *testing.T) {
	envDir := newEnv(t, "web")
	s := testSupervisor(Options{})
	depPort := closedPort(t)

	out := s.StartOne(context.Background(), StartRequest{
		Spec:         engine.ServiceSpec{Name: "web", RunCommand: "sleep 30", DependsOn: []string{"server"}},
		Port:         4001,
		EnvDir:       envDir,
		Dependencies: []Dependency{{Name: "server", HealthCheckURL: "http://127.0.0.1:${port}/health"}},
		Registry:     newFakeRegistry(map[string]int{"server": depPort}),
	})
	defer killGroup(out.PID)
	require.NoError(t, out.Err)
	require.Len(t, out.Warnings, 1)
	require.Contains(t, out.Warnings[0], ErrDependencyUnhealthy.Error())
	require.Contains(t, out.Warnings[0], "server")
}

func TestSupervisor_StopDeadPIDIsAlreadyStopped(t *testing.T) {
	envDir := newEnv(t)
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	pidPath := state.PIDPath(envDir, "server")
	require.NoError(t, state.WritePID(pidPath, cmd.Process.Pid))

	s := testSupervisor(Options{})
	res := s.StopOne(context.Background(), StopRequest{Name: "server", EnvDir: envDir})
	require.True(t, res.AlreadyStopped)
	require.False(t, res.Stopped)

	_, err := os.Stat(pidPath)
	require.True(t, os.IsNotExist(err))
}

func TestSupervisor_StopWithoutPIDFile(t *testing.T) {
	s := testSupervisor(Options{})
	res := s.StopOne(context.Background(), StopRequest{Name: "server", EnvDir: newEnv(t)})
	require.True(t, res.AlreadyStopped)
}

func TestSupervisor_StopKillsPortListener(t *testing.T) {
	fp := &fakePlatform{listeners: map[int][]int{4000: {999991}}}
	s := testSupervisor(Options{Platform: fp})

	res := s.StopOne(context.Background(), StopRequest{Name: "server", EnvDir: newEnv(t), Port: 4000})
	require.False(t, res.AlreadyStopped)
	require.Equal(t, []int{999991}, res.PortKills)
	require.Equal(t, []string{"single 999991 killed"}, fp.calls)
}
