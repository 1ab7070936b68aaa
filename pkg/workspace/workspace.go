// Package workspace locates the project, its environments and the sidecar
// metadata written for each environment when it was provisioned.
package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-go-golems/hyve/pkg/config"
	"github.com/go-go-golems/hyve/pkg/engine"
	"github.com/go-go-golems/hyve/pkg/ports"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// SidecarFilename is the per-environment metadata file. It is written by the
// provisioning side and only ever read here.
const SidecarFilename = ".hyve-workspace.json"

var ErrEnvironmentNotFound = errors.New("environment not found")

type Options struct {
	// Root is where the config search starts; defaults to the cwd.
	Root string
	// ConfigPath skips the upward search when set.
	ConfigPath string
}

type Project struct {
	Root          string
	ConfigPath    string
	Config        *config.File
	Specs         map[string]engine.ServiceSpec
	WorkspacesDir string
}

type Sidecar struct {
	Name     string   `json:"name"`
	Branch   string   `json:"branch,omitempty"`
	Repos    []string `json:"repos,omitempty"`
	Created  string   `json:"created,omitempty"`
	Status   string   `json:"status,omitempty"`
	Database *struct {
		Container string `json:"container,omitempty"`
		Port      int    `json:"port,omitempty"`
	} `json:"database,omitempty"`
}

type Environment struct {
	Name    string
	Dir     string
	Index   int
	Sidecar *Sidecar
}

func Load(opts Options) (*Project, error) {
	start := opts.Root
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "getwd")
		}
		start = wd
	}

	cfgPath := opts.ConfigPath
	if cfgPath == "" {
		found, err := config.Find(start)
		if err != nil {
			return nil, err
		}
		cfgPath = found
	} else if !filepath.IsAbs(cfgPath) {
		cfgPath = filepath.Join(start, cfgPath)
	}
	cfgPath, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadFromFile(cfgPath)
	if err != nil {
		return nil, err
	}
	specs, err := cfg.Specs()
	if err != nil {
		return nil, err
	}
	root := filepath.Dir(cfgPath)
	return &Project{
		Root:          root,
		ConfigPath:    cfgPath,
		Config:        cfg,
		Specs:         specs,
		WorkspacesDir: cfg.WorkspacesPath(root),
	}, nil
}

// List returns the environment names: visible directories under the
// workspaces dir, sorted.
func (p *Project) List() ([]string, error) {
	entries, err := os.ReadDir(p.WorkspacesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read workspaces dir")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Index is the position of name in the sorted environment list. A name not
// in the list gets len(list).
func (p *Project) Index(name string) (int, error) {
	names, err := p.List()
	if err != nil {
		return 0, err
	}
	for i, n := range names {
		if n == name {
			return i, nil
		}
	}
	return len(names), nil
}

// Environment looks up an existing environment directory.
func (p *Project) Environment(name string) (*Environment, error) {
	dir := filepath.Join(p.WorkspacesDir, name)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, errors.Wrapf(ErrEnvironmentNotFound, "%s", name)
	}
	idx, err := p.Index(name)
	if err != nil {
		return nil, err
	}
	sc, err := ReadSidecar(dir)
	if err != nil {
		return nil, err
	}
	return &Environment{Name: name, Dir: dir, Index: idx, Sidecar: sc}, nil
}

// Ports returns the allocator for env.
func (p *Project) Ports(env *Environment) ports.Allocator {
	return ports.Allocator{
		BasePort:   p.Config.Services.BasePort,
		PortOffset: p.Config.Services.PortOffset,
		EnvIndex:   env.Index,
	}
}

// ReadSidecar reads the sidecar in dir. A missing file is not an error.
func ReadSidecar(dir string) (*Sidecar, error) {
	b, err := os.ReadFile(filepath.Join(dir, SidecarFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read sidecar")
	}
	var sc Sidecar
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, errors.Wrap(err, "parse sidecar json")
	}
	return &sc, nil
}

// Repos returns the sidecar's repo list, or nil without a sidecar.
func (e *Environment) Repos() []string {
	if e.Sidecar == nil {
		return nil
	}
	return append([]string{}, e.Sidecar.Repos...)
}

// RequestedServices decides which services a run or halt covers. Explicit
// names must be defined services. Without explicit names the environment's
// repos are used, skipping repos that have no service definition.
func (p *Project) RequestedServices(env *Environment, explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		for _, name := range explicit {
			if _, ok := p.Specs[name]; !ok {
				return nil, &engine.ConfigError{Service: name, Reason: "no service definition"}
			}
		}
		return explicit, nil
	}
	var out []string
	for _, repo := range env.Repos() {
		if _, ok := p.Specs[repo]; !ok {
			log.Debug().Str("repo", repo).Msg("repo has no service definition, skipping")
			continue
		}
		out = append(out, repo)
	}
	return out, nil
}
