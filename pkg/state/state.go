package state

import (
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-go-golems/hyve/pkg/proc"
	"github.com/pkg/errors"
)

const (
	RunDirName    = ".hyve"
	StateFilename = "run.json"
	LogsDirName   = "logs"

	// OrchestratorLog is the orchestrator's own log file inside LogsDir.
	OrchestratorLog = "hyve.log"
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusWaitingOnDependency Status = "waiting_on_dependency"
	StatusPreparing           Status = "preparing"
	StatusStarting            Status = "starting"
	StatusHealthy             Status = "healthy"
	StatusUnhealthy           Status = "unhealthy"
	StatusFailed              Status = "failed"
)

// Running reports whether a service in this status left a live process
// behind.
func (s Status) Running() bool {
	return s == StatusHealthy || s == StatusUnhealthy || s == StatusStarting
}

// State is the summary written after each startup phase.
type State struct {
	Environment string          `json:"environment"`
	EnvDir      string          `json:"env_dir"`
	Index       int             `json:"index"`
	CreatedAt   time.Time       `json:"created_at"`
	Services    []ServiceRecord `json:"services"`
}

type ServiceRecord struct {
	Name      string    `json:"name"`
	Port      int       `json:"port"`
	PID       int       `json:"pid,omitempty"`
	Status    Status    `json:"status"`
	LogPath   string    `json:"log_path"`
	PIDPath   string    `json:"pid_path"`
	Error     string    `json:"error,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Service returns the record for name, if present.
func (s *State) Service(name string) (ServiceRecord, bool) {
	for _, rec := range s.Services {
		if rec.Name == name {
			return rec, true
		}
	}
	return ServiceRecord{}, false
}

func RunDir(envDir string) string {
	return filepath.Join(envDir, RunDirName)
}

func StatePath(envDir string) string {
	return filepath.Join(envDir, RunDirName, StateFilename)
}

func LogsDir(envDir string) string {
	return filepath.Join(envDir, RunDirName, LogsDirName)
}

func LogPath(envDir, service string) string {
	return filepath.Join(LogsDir(envDir), service+".log")
}

func PIDPath(envDir, service string) string {
	return filepath.Join(LogsDir(envDir), service+".pid")
}

func PreparePath(envDir, service string) string {
	return filepath.Join(LogsDir(envDir), service+".prepare.log")
}

func WritePID(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "mkdir pid dir")
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return errors.Wrap(err, "write pid file")
	}
	return nil
}

// ReadPID returns the pid recorded at path. A missing, empty or unparsable
// file reads as no pid.
func ReadPID(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func RemovePID(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "remove pid file")
	}
	return nil
}

func Load(envDir string) (*State, error) {
	path := StatePath(envDir)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read state")
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "parse state json")
	}
	return &s, nil
}

func Save(envDir string, s *State) error {
	if s == nil {
		return errors.New("nil state")
	}
	if err := os.MkdirAll(RunDir(envDir), 0o755); err != nil {
		return errors.Wrap(err, "mkdir state dir")
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal state")
	}
	if err := os.WriteFile(StatePath(envDir), b, 0o644); err != nil {
		return errors.Wrap(err, "write state")
	}
	return nil
}

func Remove(envDir string) error {
	if err := os.Remove(StatePath(envDir)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "remove state")
	}
	return nil
}

// ProcessAlive probes pid with signal 0. A zombie counts as dead and EPERM
// counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if proc.IsZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return stderrors.Is(err, syscall.EPERM)
}
