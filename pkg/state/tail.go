package state

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// RunHeaderPrefix starts the line written to a service log before each
// start or prepare run.
const RunHeaderPrefix = "==> "

// backupTimeFormat is how lumberjack stamps rotated files:
// <name>-<timestamp><ext>.
const backupTimeFormat = "2006-01-02T15-04-05.000"

type TailOptions struct {
	Lines    int
	MaxBytes int64
	// LastRun drops everything before the most recent run header.
	LastRun bool
	// SkipHeaders leaves run header lines and their leading blank line out.
	SkipHeaders bool
}

// TailLog returns the trailing lines of a service log. When the live file
// holds fewer lines than asked for, rotated backups next to it are read
// newest first. MaxBytes bounds the total read across all files.
func TailLog(path string, opts TailOptions) ([]string, error) {
	if path == "" {
		return nil, errors.New("missing path")
	}
	if opts.Lines <= 0 {
		opts.Lines = 20
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 2 << 20
	}

	files := append([]string{path}, rotatedBackups(path)...)
	budget := opts.MaxBytes
	var out []string
	for i, file := range files {
		b, err := readTail(file, budget)
		if err != nil {
			// a backup can be pruned between listing and reading
			if i > 0 && os.IsNotExist(errors.Cause(err)) {
				continue
			}
			return nil, err
		}
		budget -= int64(len(b))

		lines, sawHeader := runLines(splitLines(b), opts)
		out = append(lines, out...)
		if len(out) >= opts.Lines || (opts.LastRun && sawHeader) || budget <= 0 {
			break
		}
	}
	if len(out) > opts.Lines {
		out = append([]string{}, out[len(out)-opts.Lines:]...)
	}
	return out, nil
}

func isRunHeader(line string) bool {
	return strings.HasPrefix(line, RunHeaderPrefix)
}

func runLines(lines []string, opts TailOptions) ([]string, bool) {
	sawHeader := false
	if opts.LastRun {
		for i := len(lines) - 1; i >= 0; i-- {
			if isRunHeader(lines[i]) {
				lines = lines[i:]
				sawHeader = true
				break
			}
		}
	}
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		if opts.SkipHeaders {
			if isRunHeader(line) {
				continue
			}
			if line == "" && i+1 < len(lines) && isRunHeader(lines[i+1]) {
				continue
			}
		}
		out = append(out, line)
	}
	return out, sawHeader
}

// rotatedBackups lists lumberjack backups of path, newest first.
func rotatedBackups(path string) []string {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	prefix := strings.TrimSuffix(filepath.Base(path), ext) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	type backup struct {
		path string
		at   time.Time
	}
	var backups []backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext)
		at, err := time.Parse(backupTimeFormat, stamp)
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: filepath.Join(dir, name), at: at})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].at.After(backups[j].at) })

	paths := make([]string, 0, len(backups))
	for _, b := range backups {
		paths = append(paths, b.path)
	}
	return paths
}

// readTail reads at most maxBytes from the end of path, starting on a line
// boundary.
func readTail(path string, maxBytes int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat")
	}
	start := int64(0)
	if info.Size() > maxBytes {
		start = info.Size() - maxBytes
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seek")
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "read")
	}
	if start > 0 {
		if i := bytes.IndexByte(b, '\n'); i >= 0 && i+1 < len(b) {
			b = b[i+1:]
		}
	}
	return b, nil
}

func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	lines := strings.Split(string(b), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Follow writes everything appended to path after offset to w until ctx is
// cancelled. Write events come from fsnotify with a slow poll as backstop.
func Follow(ctx context.Context, path string, offset int64, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "new watcher")
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(path); err != nil {
		return errors.Wrap(err, "watch log")
	}

	r := bufio.NewReader(f)
	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	for {
		if _, err := io.Copy(w, r); err != nil {
			return errors.Wrap(err, "copy log")
		}
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return errors.Wrap(err, "watch log")
		case <-poll.C:
		}
	}
}
