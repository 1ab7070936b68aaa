package watch

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ExcludedDirs are never descended into or reported.
var ExcludedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	".hyve":        true,
}

const (
	ModeNotify  = "fsnotify"
	ModePolling = "polling"
)

// Watcher reports changed paths, relative to its root and slash-separated,
// that match one of its globs.
type Watcher interface {
	Events() <-chan string
	Errors() <-chan error
	Close() error
}

// Factory opens a watcher for root.
type Factory func(root string, globs []string) (Watcher, error)

func excluded(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if ExcludedDirs[part] {
			return true
		}
	}
	return false
}

type notifyWatcher struct {
	root   string
	globs  []string
	fw     *fsnotify.Watcher
	events chan string
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

// NewNotifyWatcher watches root recursively with fsnotify and matches with
// doublestar. New directories are picked up as they appear.
func NewNotifyWatcher(root string, globs []string) (Watcher, error) {
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return nil, errors.Errorf("invalid glob %q", g)
		}
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "new fsnotify watcher")
	}
	w := &notifyWatcher{
		root:   root,
		globs:  globs,
		fw:     fw,
		events: make(chan string, 64),
		errs:   make(chan error, 8),
		done:   make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *notifyWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return errors.Wrap(err, "walk watch root")
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && ExcludedDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			return errors.Wrapf(err, "watch %s", path)
		}
		return nil
	})
}

func (w *notifyWatcher) loop() {
	defer close(w.events)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

func (w *notifyWatcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || excluded(rel) {
		return
	}
	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				log.Debug().Err(err).Str("dir", ev.Name).Msg("watch new directory")
			}
			// files written before the watch was added get no event of their own
			w.emitExisting(ev.Name)
			return
		}
	}
	w.emit(filepath.ToSlash(rel))
}

func (w *notifyWatcher) emitExisting(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && ExcludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil || excluded(rel) {
			return nil
		}
		w.emit(filepath.ToSlash(rel))
		return nil
	})
}

func (w *notifyWatcher) emit(rel string) {
	for _, g := range w.globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			select {
			case w.events <- rel:
			case <-w.done:
			}
			return
		}
	}
}

func (w *notifyWatcher) Events() <-chan string { return w.events }
func (w *notifyWatcher) Errors() <-chan error  { return w.errs }

func (w *notifyWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fw.Close()
	})
	return err
}

type fileState struct {
	mod  time.Time
	size int64
}

type pollWatcher struct {
	root     string
	matchers []*regexp.Regexp
	interval time.Duration
	last     map[string]fileState
	events   chan string
	errs     chan error
	done     chan struct{}
	once     sync.Once
}

// NewPollWatcher scans root every interval and reports files whose size or
// modification time changed, appeared or disappeared.
func NewPollWatcher(root string, globs []string, interval time.Duration) (Watcher, error) {
	if interval <= 0 {
		interval = time.Second
	}
	w := &pollWatcher{
		root:     root,
		interval: interval,
		events:   make(chan string, 64),
		errs:     make(chan error, 8),
		done:     make(chan struct{}),
	}
	for _, g := range globs {
		re, err := GlobToRegexp(g)
		if err != nil {
			return nil, err
		}
		w.matchers = append(w.matchers, re)
	}
	snap, err := w.scan()
	if err != nil {
		return nil, err
	}
	w.last = snap
	go w.loop()
	return w, nil
}

func (w *pollWatcher) matches(rel string) bool {
	for _, re := range w.matchers {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

func (w *pollWatcher) scan() (map[string]fileState, error) {
	out := map[string]fileState{}
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == w.root {
				return errors.Wrap(err, "walk watch root")
			}
			return nil
		}
		if d.IsDir() {
			if path != w.root && ExcludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !w.matches(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out[rel] = fileState{mod: info.ModTime(), size: info.Size()}
		return nil
	})
	return out, err
}

func (w *pollWatcher) loop() {
	defer close(w.events)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
		}
		snap, err := w.scan()
		if err != nil {
			select {
			case w.errs <- err:
			default:
			}
			continue
		}
		for _, rel := range diff(w.last, snap) {
			select {
			case w.events <- rel:
			case <-w.done:
				return
			}
		}
		w.last = snap
	}
}

func diff(prev, next map[string]fileState) []string {
	var changed []string
	for rel, st := range next {
		if old, ok := prev[rel]; !ok || !old.mod.Equal(st.mod) || old.size != st.size {
			changed = append(changed, rel)
		}
	}
	for rel := range prev {
		if _, ok := next[rel]; !ok {
			changed = append(changed, rel)
		}
	}
	return changed
}

func (w *pollWatcher) Events() <-chan string { return w.events }
func (w *pollWatcher) Errors() <-chan error  { return w.errs }

func (w *pollWatcher) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}

// Open tries primary and falls back to a polling watcher when primary cannot
// be set up. It returns the watcher together with the mode in use.
func Open(root string, globs []string, primary Factory, pollInterval time.Duration) (Watcher, string, error) {
	if primary == nil {
		primary = NewNotifyWatcher
	}
	w, err := primary(root, globs)
	if err == nil {
		return w, ModeNotify, nil
	}
	log.Warn().Err(err).Str("dir", root).Msg("native file watching unavailable, falling back to polling")
	pw, perr := NewPollWatcher(root, globs, pollInterval)
	if perr != nil {
		return nil, "", errors.Wrapf(perr, "polling fallback after: %v", err)
	}
	return pw, ModePolling, nil
}
