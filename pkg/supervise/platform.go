package supervise

import (
	"context"
	"sort"
	"syscall"

	"github.com/go-go-golems/hyve/pkg/proc"
	"github.com/go-go-golems/hyve/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// Platform is the process-control surface the supervisor and the
// orchestrator's sweep depend on.
type Platform interface {
	// KillGroup signals the process group led by pid.
	KillGroup(pid int, sig syscall.Signal) error
	KillSingle(pid int, sig syscall.Signal) error
	// KillChildren signals every live process whose parent is pid and
	// returns how many were signalled.
	KillChildren(pid int, sig syscall.Signal) (int, error)
	// PIDsOnPort lists pids with a socket listening on port.
	PIDsOnPort(ctx context.Context, port int) ([]int, error)
	Alive(pid int) bool
}

// Terminate signals pid's process group, falling back to the single process
// when the group signal fails.
func Terminate(p Platform, pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.New("invalid PID")
	}
	if err := p.KillGroup(pid, sig); err == nil {
		return nil
	}
	return p.KillSingle(pid, sig)
}

// KillPort sends sig to every pid listening on port and returns the pids it
// signalled. Lookup failures and dead pids are swallowed.
func KillPort(ctx context.Context, p Platform, port int, sig syscall.Signal) []int {
	if port <= 0 {
		return nil
	}
	pids, err := p.PIDsOnPort(ctx, port)
	if err != nil {
		log.Debug().Err(err).Int("port", port).Msg("list listeners")
		return nil
	}
	var killed []int
	for _, pid := range pids {
		if err := p.KillSingle(pid, sig); err != nil {
			log.Debug().Err(err).Int("pid", pid).Int("port", port).Msg("kill listener")
			continue
		}
		killed = append(killed, pid)
	}
	return killed
}

// UnixPlatform implements Platform with syscall signals, /proc scans and
// gopsutil socket tables.
type UnixPlatform struct{}

var _ Platform = UnixPlatform{}

func (UnixPlatform) KillGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.New("invalid PID")
	}
	// Services are session leaders, so the group id equals the pid.
	return errors.Wrap(syscall.Kill(-pid, sig), "kill process group")
}

func (UnixPlatform) KillSingle(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.New("invalid PID")
	}
	return errors.Wrap(syscall.Kill(pid, sig), "kill process")
}

func (UnixPlatform) KillChildren(pid int, sig syscall.Signal) (int, error) {
	kids, err := children(pid)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, kid := range kids {
		if err := syscall.Kill(kid, sig); err == nil {
			n++
		}
	}
	return n, nil
}

func children(pid int) ([]int, error) {
	if proc.Available() {
		return proc.Children(pid)
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, errors.Wrap(err, "lookup process")
	}
	kids, err := p.Children()
	if err != nil {
		if errors.Is(err, process.ErrorNoChildren) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list children")
	}
	out := make([]int, 0, len(kids))
	for _, k := range kids {
		out = append(out, int(k.Pid))
	}
	return out, nil
}

func (UnixPlatform) PIDsOnPort(ctx context.Context, port int) ([]int, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, errors.Wrap(err, "list connections")
	}
	seen := map[int]bool{}
	var out []int
	for _, c := range conns {
		if c.Status != "LISTEN" || c.Laddr.Port != uint32(port) || c.Pid <= 0 {
			continue
		}
		pid := int(c.Pid)
		if seen[pid] {
			continue
		}
		seen[pid] = true
		out = append(out, pid)
	}
	sort.Ints(out)
	return out, nil
}

func (UnixPlatform) Alive(pid int) bool {
	return state.ProcessAlive(pid)
}
