package supervise

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-go-golems/hyve/pkg/engine"
	"github.com/go-go-golems/hyve/pkg/events"
	"github.com/go-go-golems/hyve/pkg/health"
	"github.com/go-go-golems/hyve/pkg/metrics"
	"github.com/go-go-golems/hyve/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultShell runs commands through a login shell so version managers and
// PATH tweaks from the user's profile apply.
var DefaultShell = []string{"bash", "-l", "-c"}

type Options struct {
	// Shell is the argv prefix the generated script is appended to.
	Shell []string
	// ShellWrapper is prefixed to every run and prepare command, e.g.
	// "direnv exec .".
	ShellWrapper string

	SettleDelay      time.Duration
	PrepareTimeout   time.Duration
	DependencyBudget time.Duration
	ReadyBudget      time.Duration
	ShutdownTimeout  time.Duration

	Gate     *health.Gate
	Platform Platform
	Events   events.Publisher
}

type Supervisor struct {
	opts Options
}

func New(opts Options) *Supervisor {
	if len(opts.Shell) == 0 {
		opts.Shell = DefaultShell
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 2 * time.Second
	}
	if opts.PrepareTimeout <= 0 {
		opts.PrepareTimeout = 2 * time.Minute
	}
	if opts.DependencyBudget <= 0 {
		opts.DependencyBudget = health.DependencyBudget
	}
	if opts.ReadyBudget <= 0 {
		opts.ReadyBudget = health.ReadyBudget
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 3 * time.Second
	}
	if opts.Gate == nil {
		opts.Gate = health.New(health.Options{})
	}
	if opts.Platform == nil {
		opts.Platform = UnixPlatform{}
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Supervisor{opts: opts}
}

func (s *Supervisor) Platform() Platform { return s.opts.Platform }

// Registry is the per-run view of what is already running. It is owned by
// the orchestrator.
type Registry interface {
	RunningPort(name string) (int, bool)
	RunningPorts() map[string]int
	TrackPID(name string, pid int)
}

// Dependency is an in-set dependency of the service being started.
type Dependency struct {
	Name           string
	HealthCheckURL string
}

type StartRequest struct {
	Spec         engine.ServiceSpec
	Port         int
	EnvDir       string
	Dependencies []Dependency
	Registry     Registry
}

// Outcome is the result of one start attempt.
type Outcome struct {
	Name      string
	Port      int
	PID       int
	Status    state.Status
	LogPath   string
	PIDPath   string
	Err       error
	Warnings  []string
	StartedAt time.Time
}

func (o Outcome) Succeeded() bool { return o.Err == nil }

func (o Outcome) Record() state.ServiceRecord {
	rec := state.ServiceRecord{
		Name:      o.Name,
		Port:      o.Port,
		PID:       o.PID,
		Status:    o.Status,
		LogPath:   o.LogPath,
		PIDPath:   o.PIDPath,
		Warnings:  o.Warnings,
		StartedAt: o.StartedAt,
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	return rec
}

// StartOne runs the full start sequence for one service: directory check,
// dependency gating, preparation, detached spawn, settle probe and readiness
// gate. It never returns early with a bare error; every failure is recorded
// on the Outcome.
func (s *Supervisor) StartOne(ctx context.Context, req StartRequest) Outcome {
	spec := req.Spec
	out := Outcome{
		Name:    spec.Name,
		Port:    req.Port,
		Status:  state.StatusPending,
		LogPath: state.LogPath(req.EnvDir, spec.Name),
		PIDPath: state.PIDPath(req.EnvDir, spec.Name),
	}
	logger := log.With().Str("service", spec.Name).Int("port", req.Port).Logger()

	dir := filepath.Join(req.EnvDir, spec.Name)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return s.fail(out, failure(ErrDirectoryNotFound, "%s", dir))
	}

	for _, dep := range req.Dependencies {
		if dep.HealthCheckURL == "" || req.Registry == nil {
			continue
		}
		depPort, ok := req.Registry.RunningPort(dep.Name)
		if !ok {
			continue
		}
		s.setStatus(&out, state.StatusWaitingOnDependency)
		url := Substitute(dep.HealthCheckURL, depPort, nil)
		if !s.opts.Gate.Await(ctx, url, s.opts.DependencyBudget) {
			w := failure(ErrDependencyUnhealthy, "%s at %s", dep.Name, url)
			logger.Warn().Str("dependency", dep.Name).Msg("dependency not healthy, starting anyway")
			out.Warnings = append(out.Warnings, w.Error())
		}
	}

	if spec.PrepareCommand != "" {
		s.setStatus(&out, state.StatusPreparing)
		var running map[string]int
		if req.Registry != nil {
			running = req.Registry.RunningPorts()
		}
		if err := s.Prepare(ctx, PrepareRequest{Spec: spec, Port: req.Port, EnvDir: req.EnvDir, Ports: running}); err != nil {
			logger.Warn().Err(err).Msg("prepare failed, continuing")
			out.Warnings = append(out.Warnings, err.Error())
		}
	}

	if err := ctx.Err(); err != nil {
		return s.fail(out, errors.Wrap(err, "start interrupted"))
	}
	s.setStatus(&out, state.StatusStarting)
	pid, err := s.spawn(spec, req.Port, req.EnvDir, dir)
	if err != nil {
		return s.fail(out, failure(ErrStartFailed, "%v", err))
	}
	out.PID = pid
	out.StartedAt = time.Now()
	if req.Registry != nil {
		req.Registry.TrackPID(spec.Name, pid)
	}
	if err := state.WritePID(out.PIDPath, pid); err != nil {
		logger.Warn().Err(err).Int("pid", pid).Msg("write pid file")
	}
	logger.Info().Int("pid", pid).Msg("service started")

	select {
	case <-ctx.Done():
		return s.fail(out, errors.Wrap(ctx.Err(), "start interrupted"))
	case <-time.After(s.opts.SettleDelay):
	}
	if !s.opts.Platform.Alive(pid) {
		return s.fail(out, failure(ErrProcessExited, "pid %d exited within %s, see %s", pid, s.opts.SettleDelay, out.LogPath))
	}

	if spec.HealthCheckURL != "" {
		url := Substitute(spec.HealthCheckURL, req.Port, nil)
		began := time.Now()
		ok := s.opts.Gate.Await(ctx, url, s.opts.ReadyBudget)
		metrics.ObserveHealthWait(spec.Name, time.Since(began).Seconds())
		if !ok {
			out.Status = state.StatusUnhealthy
			out.Err = failure(ErrHealthCheckTimeout, "%s not healthy after %s", url, s.opts.ReadyBudget)
			metrics.IncStart(spec.Name, string(out.Status))
			s.publish(out)
			return out
		}
	}

	s.setStatus(&out, state.StatusHealthy)
	metrics.IncStart(spec.Name, string(out.Status))
	return out
}

func (s *Supervisor) fail(out Outcome, err error) Outcome {
	out.Status = state.StatusFailed
	out.Err = err
	log.Warn().Str("service", out.Name).Err(err).Msg("service failed to start")
	metrics.IncStart(out.Name, string(out.Status))
	s.publish(out)
	return out
}

func (s *Supervisor) setStatus(out *Outcome, st state.Status) {
	out.Status = st
	s.publish(*out)
}

func (s *Supervisor) publish(out Outcome) {
	s.opts.Events.Publish(s.event(out))
}

func (s *Supervisor) event(out Outcome) events.Event {
	ev := events.Event{
		Type:    events.TypeServiceStatus,
		Service: out.Name,
		Status:  string(out.Status),
		PID:     out.PID,
		Port:    out.Port,
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	return ev
}

func (s *Supervisor) command(script string, port int) *exec.Cmd {
	args := append(append([]string{}, s.opts.Shell[1:]...), script)
	// #nosec G204 -- command comes from the project's service definitions.
	cmd := exec.Command(s.opts.Shell[0], args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", port))
	return cmd
}

// spawn starts the service detached in its own session so it outlives this
// process. stdout and stderr are appended to the service log.
func (s *Supervisor) spawn(spec engine.ServiceSpec, port int, envDir, dir string) (int, error) {
	if err := os.MkdirAll(state.LogsDir(envDir), 0o755); err != nil {
		return 0, errors.Wrap(err, "mkdir logs dir")
	}
	logFile, err := os.OpenFile(state.LogPath(envDir, spec.Name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, errors.Wrap(err, "open service log")
	}
	defer func() { _ = logFile.Close() }()

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, errors.Wrap(err, "open stdin")
	}
	defer func() { _ = devNull.Close() }()

	runCmd := spec.RunCommand
	if runCmd == "" {
		runCmd = engine.DefaultRunCommand
	}
	command := Substitute(runCmd, port, nil)
	_, _ = fmt.Fprintf(logFile, "\n==> %s starting %s on port %d: %s\n",
		time.Now().Format(time.RFC3339), spec.Name, port, command)

	cmd := s.command(shellScript(dir, s.opts.ShellWrapper, command), port)
	cmd.Dir = dir
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrap(err, "start service")
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

type PrepareRequest struct {
	Spec   engine.ServiceSpec
	Port   int
	EnvDir string
	// Ports maps running service names to their ports for ${<svc>_port}.
	Ports map[string]int
}

// Prepare runs the service's preparation command to completion. Output goes
// to a rotating <service>.prepare.log. A run exceeding PrepareTimeout has its
// whole process group killed.
func (s *Supervisor) Prepare(ctx context.Context, req PrepareRequest) error {
	spec := req.Spec
	if spec.PrepareCommand == "" {
		return nil
	}
	dir := filepath.Join(req.EnvDir, spec.Name)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return failure(ErrPreparationFailed, "%s: %v", spec.Name, failure(ErrDirectoryNotFound, "%s", dir))
	}
	if err := os.MkdirAll(state.LogsDir(req.EnvDir), 0o755); err != nil {
		return errors.Wrap(err, "mkdir logs dir")
	}

	sink := &lumberjack.Logger{
		Filename:   state.PreparePath(req.EnvDir, spec.Name),
		MaxSize:    10,
		MaxBackups: 3,
	}
	defer func() { _ = sink.Close() }()

	command := Substitute(spec.PrepareCommand, req.Port, req.Ports)
	_, _ = fmt.Fprintf(sink, "\n==> %s prepare %s: %s\n", time.Now().Format(time.RFC3339), spec.Name, command)

	runCtx, cancel := context.WithTimeout(ctx, s.opts.PrepareTimeout)
	defer cancel()

	cmd := s.command(shellScript(dir, s.opts.ShellWrapper, command), req.Port)
	cmd.Dir = dir
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = s.opts.ShutdownTimeout

	log.Info().Str("service", spec.Name).Str("command", command).Msg("running prepare")
	s.opts.Events.Publish(events.Event{Type: events.TypePrepareResult, Service: spec.Name, Status: string(state.StatusPreparing), Message: command})

	err := s.runGroup(runCtx, cmd)
	ev := events.Event{Type: events.TypePrepareResult, Service: spec.Name, Status: "ok"}
	switch {
	case err == nil:
		metrics.IncPrepare(spec.Name, "ok")
		s.opts.Events.Publish(ev)
		return nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		err = failure(ErrPreparationFailed, "%s: timed out after %s", spec.Name, s.opts.PrepareTimeout)
	default:
		err = failure(ErrPreparationFailed, "%s: %v", spec.Name, err)
	}
	metrics.IncPrepare(spec.Name, "failed")
	ev.Status = "failed"
	ev.Error = err.Error()
	s.opts.Events.Publish(ev)
	return err
}

// runGroup runs cmd in its own process group and kills the group when ctx
// ends before the command does.
func (s *Supervisor) runGroup(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start prepare")
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = s.opts.Platform.KillGroup(cmd.Process.Pid, syscall.SIGKILL)
		select {
		case <-done:
		case <-time.After(s.opts.ShutdownTimeout):
		}
		return ctx.Err()
	}
}

type StopRequest struct {
	Name   string
	EnvDir string
	Port   int
}

type StopResult struct {
	Name           string `json:"name"`
	PID            int    `json:"pid,omitempty"`
	Stopped        bool   `json:"stopped"`
	AlreadyStopped bool   `json:"already_stopped"`
	Children       int    `json:"children,omitempty"`
	PortKills      []int  `json:"port_kills,omitempty"`
}

// StopOne stops a service from its pid file and then clears its port. Dead or
// missing processes read as already stopped; the pid file is always removed.
func (s *Supervisor) StopOne(ctx context.Context, req StopRequest) StopResult {
	res := StopResult{Name: req.Name}
	pidPath := state.PIDPath(req.EnvDir, req.Name)
	logger := log.With().Str("service", req.Name).Logger()

	if pid, ok := state.ReadPID(pidPath); ok {
		res.PID = pid
		if s.opts.Platform.Alive(pid) {
			// collect children before the parent goes away and they get
			// reparented
			if n, err := s.opts.Platform.KillChildren(pid, syscall.SIGTERM); err == nil {
				res.Children = n
			}
			if err := Terminate(s.opts.Platform, pid, syscall.SIGTERM); err != nil {
				logger.Debug().Err(err).Int("pid", pid).Msg("terminate")
			} else {
				res.Stopped = true
				s.awaitExit(ctx, pid)
			}
		}
	}
	if err := state.RemovePID(pidPath); err != nil {
		logger.Warn().Err(err).Msg("remove pid file")
	}

	res.PortKills = KillPort(ctx, s.opts.Platform, req.Port, syscall.SIGKILL)
	res.AlreadyStopped = !res.Stopped && len(res.PortKills) == 0

	result := "stopped"
	if res.AlreadyStopped {
		result = "already_stopped"
	}
	metrics.IncStop(req.Name, result)
	logger.Info().Int("pid", res.PID).Int("port_kills", len(res.PortKills)).Str("result", result).Msg("service stop")
	return res
}

func (s *Supervisor) awaitExit(ctx context.Context, pid int) {
	deadline := time.Now().Add(s.opts.ShutdownTimeout)
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for s.opts.Platform.Alive(pid) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
