// Package watch re-runs preparation commands of dependent services when the
// source files of the services they depend on change.
package watch

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/go-go-golems/hyve/pkg/engine"
	"github.com/go-go-golems/hyve/pkg/ports"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrNothingToWatch = errors.New("nothing to watch")

// Trigger is a service whose files are watched.
type Trigger struct {
	Name           string
	Dir            string
	Globs          []string
	HealthCheckURL string
	Port           int
}

// Dependent is a service whose preparation reruns when a trigger changes.
type Dependent struct {
	Spec engine.ServiceSpec
	Port int
}

type Set struct {
	Triggers []Trigger
	// Dependents maps a trigger name to its dependents, sorted by name.
	Dependents map[string][]Dependent
}

// Collect builds the triggers and dependents for an environment. A service
// is a trigger when it declares watch globs and its directory exists; it is
// a dependent when it has a prepare command and prepare triggers.
func Collect(specs map[string]engine.ServiceSpec, envDir string, alloc ports.Allocator) (*Set, error) {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	set := &Set{Dependents: map[string][]Dependent{}}
	for _, name := range names {
		spec := specs[name]
		if len(spec.WatchGlobs) == 0 {
			continue
		}
		dir := filepath.Join(envDir, name)
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			log.Warn().Str("service", name).Str("dir", dir).Msg("watch directory missing, skipping")
			continue
		}
		set.Triggers = append(set.Triggers, Trigger{
			Name:           name,
			Dir:            dir,
			Globs:          append([]string{}, spec.WatchGlobs...),
			HealthCheckURL: spec.HealthCheckURL,
			Port:           alloc.Port(spec.DefaultPort),
		})
	}
	if len(set.Triggers) == 0 {
		return nil, errors.Wrap(ErrNothingToWatch, "no service with watch_files has a directory in this environment")
	}

	found := false
	for _, name := range names {
		spec := specs[name]
		if spec.PrepareCommand == "" || len(spec.PrepareTriggers) == 0 {
			continue
		}
		found = true
		for _, trig := range spec.PrepareTriggers {
			set.Dependents[trig] = append(set.Dependents[trig], Dependent{
				Spec: spec,
				Port: alloc.Port(spec.DefaultPort),
			})
		}
	}
	if !found {
		return nil, errors.Wrap(ErrNothingToWatch, "no service declares pre_run with pre_run_deps")
	}
	return set, nil
}
