package engine

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// DefaultRunCommand is used when a service does not declare its own command.
const DefaultRunCommand = "pnpm dev"

// ServiceSpec is the validated, immutable description of one service.
type ServiceSpec struct {
	Name           string   `json:"name"`
	DefaultPort    int      `json:"default_port"`
	RunCommand     string   `json:"run_command"`
	DependsOn      []string `json:"depends_on,omitempty"`
	HealthCheckURL string   `json:"health_check_url,omitempty"`

	// PrepareCommand runs before the service starts and again whenever one of
	// PrepareTriggers changes while watching.
	PrepareCommand  string   `json:"prepare_command,omitempty"`
	PrepareTriggers []string `json:"prepare_triggers,omitempty"`
	WatchGlobs      []string `json:"watch_globs,omitempty"`
}

// Plan is a resolved start order for a requested set of services.
type Plan struct {
	Order  []string   `json:"order"`
	Levels [][]string `json:"levels"`

	// deps holds only edges inside the requested set.
	deps map[string][]string
}

var ErrDependencyCycle = errors.New("dependency cycle")

// ConfigError reports a problem with the service definitions that must abort
// a run before anything is swept or spawned.
type ConfigError struct {
	Service string
	Reason  string
	Err     error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config error")
	if e.Service != "" {
		fmt.Fprintf(&b, ": service %q", e.Service)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil && (e.Reason == "" || !strings.Contains(e.Reason, e.Err.Error())) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
