package supervise

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrDirectoryNotFound   = errors.New("directory not found")
	ErrProcessExited       = errors.New("process exited")
	ErrHealthCheckTimeout  = errors.New("health check timeout")
	ErrDependencyUnhealthy = errors.New("dependency unhealthy")
	ErrPreparationFailed   = errors.New("preparation failed")
	ErrStartFailed         = errors.New("start failed")
)

// serviceError attaches a detail message to one of the sentinels above while
// keeping errors.Is working against the sentinel.
type serviceError struct {
	kind   error
	detail string
}

func failure(kind error, format string, args ...any) error {
	return &serviceError{kind: kind, detail: fmt.Sprintf(format, args...)}
}

func (e *serviceError) Error() string {
	if e.detail == "" {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.detail
}

func (e *serviceError) Unwrap() error { return e.kind }
