// Package proc reads process information from /proc.
package proc

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Stat is the subset of /proc/[pid]/stat the supervisor needs.
type Stat struct {
	PID      int    `json:"pid"`
	PPID     int    `json:"ppid"`
	PGID     int    `json:"pgid"`
	State    string `json:"state"`
	Threads  int    `json:"threads"`
	RSSBytes int64  `json:"rss_bytes"`
}

// MemoryMB returns the resident set size in megabytes.
func (s *Stat) MemoryMB() int64 {
	return s.RSSBytes / (1024 * 1024)
}

// ReadStat parses /proc/[pid]/stat.
func ReadStat(pid int) (*Stat, error) {
	if pid <= 0 {
		return nil, errors.New("invalid PID")
	}
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return nil, errors.Wrap(err, "read stat file")
	}
	return parseStat(pid, string(data))
}

func parseStat(pid int, content string) (*Stat, error) {
	// Format: pid (comm) state ppid pgrp session tty_nr tpgid flags minflt
	//         cminflt majflt cmajflt utime stime cutime cstime priority nice
	//         num_threads itrealvalue starttime vsize rss ...
	// comm may contain spaces and parentheses; split after the last ')'.
	closeParen := strings.LastIndex(content, ")")
	if closeParen < 0 {
		return nil, errors.New("malformed stat file: no closing paren")
	}
	fields := strings.Fields(strings.TrimSpace(content[closeParen+1:]))
	if len(fields) < 22 {
		return nil, errors.Errorf("malformed stat file: expected 22+ fields, got %d", len(fields))
	}

	st := &Stat{PID: pid, State: fields[0][:1]}

	var err error
	if st.PPID, err = strconv.Atoi(fields[1]); err != nil {
		return nil, errors.Wrap(err, "parse ppid")
	}
	if st.PGID, err = strconv.Atoi(fields[2]); err != nil {
		return nil, errors.Wrap(err, "parse pgrp")
	}
	if st.Threads, err = strconv.Atoi(fields[17]); err != nil {
		return nil, errors.Wrap(err, "parse num_threads")
	}
	rss, err := strconv.ParseInt(fields[21], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parse rss")
	}
	st.RSSBytes = rss * int64(os.Getpagesize())
	return st, nil
}

// IsZombie reports whether pid exists and has exited without being reaped.
func IsZombie(pid int) bool {
	st, err := ReadStat(pid)
	if err != nil {
		return false
	}
	return st.State == "Z"
}

// Children lists the live processes whose parent is ppid, sorted by pid.
func Children(ppid int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, errors.Wrap(err, "read /proc")
	}
	var out []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		st, err := ReadStat(pid)
		if err != nil {
			// exited while scanning
			continue
		}
		if st.PPID == ppid && st.State != "Z" {
			out = append(out, pid)
		}
	}
	sort.Ints(out)
	return out, nil
}

// Available reports whether /proc can be read on this host.
func Available() bool {
	_, err := os.Stat("/proc/self/stat")
	return err == nil
}
