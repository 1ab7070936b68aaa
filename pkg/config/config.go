package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-go-golems/hyve/pkg/engine"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFilename = ".hyve.yaml"
	AltConfigFilename     = ".hyve.yml"

	DefaultWorkspacesDir = "./workspaces"
	DefaultBasePort      = 4000
	DefaultPortOffset    = 1000

	// EnvPrefix prefixes environment overrides, e.g. HYVE_SERVICES_BASE_PORT.
	EnvPrefix = "HYVE"
)

var ErrConfigNotFound = errors.New("no .hyve.yaml found")

type File struct {
	WorkspacesDir string          `yaml:"workspaces_dir"`
	RequiredRepos []string        `yaml:"required_repos,omitempty"`
	Repos         map[string]Repo `yaml:"repos,omitempty"`
	Services      Services        `yaml:"services"`
}

type Repo struct {
	Path string `yaml:"path"`
}

type Services struct {
	BasePort     int                          `yaml:"base_port"`
	PortOffset   int                          `yaml:"port_offset"`
	ShellWrapper string                       `yaml:"shell_wrapper,omitempty"`
	Definitions  map[string]ServiceDefinition `yaml:"definitions"`
}

type ServiceDefinition struct {
	DefaultPort int      `yaml:"default_port"`
	DevCommand  string   `yaml:"dev_command,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
	HealthCheck string   `yaml:"health_check,omitempty"`
	PreRun      string   `yaml:"pre_run,omitempty"`
	PreRunDeps  []string `yaml:"pre_run_deps,omitempty"`
	WatchFiles  []string `yaml:"watch_files,omitempty"`
}

func DefaultPath(root string) string {
	return filepath.Join(root, DefaultConfigFilename)
}

// Find walks up from startDir and returns the first .hyve.yaml or .hyve.yml.
func Find(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", errors.Wrap(err, "resolve start dir")
	}
	for {
		for _, name := range []string{DefaultConfigFilename, AltConfigFilename} {
			p := filepath.Join(dir, name)
			if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
				return p, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.Wrapf(ErrConfigNotFound, "searched up from %s", startDir)
		}
		dir = parent
	}
}

// LoadFromFile parses path, applies defaults and environment overrides and
// validates the service definitions.
func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg File
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config yaml")
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if _, err := cfg.Specs(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOptional behaves like LoadFromFile but returns a defaulted empty config
// when path does not exist.
func LoadOptional(path string) (*File, error) {
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &File{}
			cfg.applyDefaults()
			if err := cfg.applyEnv(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, errors.Wrap(err, "stat config")
	}
	return LoadFromFile(path)
}

func (f *File) applyDefaults() {
	if f.WorkspacesDir == "" {
		f.WorkspacesDir = DefaultWorkspacesDir
	}
	if f.Services.BasePort == 0 {
		f.Services.BasePort = DefaultBasePort
	}
	if f.Services.PortOffset == 0 {
		f.Services.PortOffset = DefaultPortOffset
	}
	if f.Services.Definitions == nil {
		f.Services.Definitions = map[string]ServiceDefinition{}
	}
}

func (f *File) applyEnv() error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{"workspaces_dir", "services.base_port", "services.port_offset", "services.shell_wrapper"} {
		if err := v.BindEnv(key); err != nil {
			return errors.Wrapf(err, "bind env %s", key)
		}
	}

	if v.IsSet("workspaces_dir") {
		f.WorkspacesDir = v.GetString("workspaces_dir")
	}
	if v.IsSet("services.base_port") {
		f.Services.BasePort = v.GetInt("services.base_port")
	}
	if v.IsSet("services.port_offset") {
		f.Services.PortOffset = v.GetInt("services.port_offset")
	}
	if v.IsSet("services.shell_wrapper") {
		f.Services.ShellWrapper = v.GetString("services.shell_wrapper")
	}
	return nil
}

// WorkspacesPath resolves the workspaces directory against the project root.
func (f *File) WorkspacesPath(root string) string {
	if filepath.IsAbs(f.WorkspacesDir) {
		return f.WorkspacesDir
	}
	return filepath.Join(root, f.WorkspacesDir)
}

// ServiceNames lists the defined services, sorted.
func (f *File) ServiceNames() []string {
	out := make([]string, 0, len(f.Services.Definitions))
	for name := range f.Services.Definitions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Specs validates the definitions and converts them into engine specs.
// Every depends_on and pre_run_deps entry must name a defined service.
func (f *File) Specs() (map[string]engine.ServiceSpec, error) {
	defs := f.Services.Definitions
	out := make(map[string]engine.ServiceSpec, len(defs))
	for _, name := range f.ServiceNames() {
		def := defs[name]
		if def.DefaultPort <= 0 {
			return nil, &engine.ConfigError{Service: name, Reason: "default_port must be > 0"}
		}
		for _, dep := range def.DependsOn {
			if _, ok := defs[dep]; !ok {
				return nil, &engine.ConfigError{Service: name, Reason: "depends_on references unknown service " + dep}
			}
		}
		for _, dep := range def.PreRunDeps {
			if _, ok := defs[dep]; !ok {
				return nil, &engine.ConfigError{Service: name, Reason: "pre_run_deps references unknown service " + dep}
			}
		}
		run := strings.TrimSpace(def.DevCommand)
		if run == "" {
			run = engine.DefaultRunCommand
		}
		out[name] = engine.ServiceSpec{
			Name:            name,
			DefaultPort:     def.DefaultPort,
			RunCommand:      run,
			DependsOn:       append([]string{}, def.DependsOn...),
			HealthCheckURL:  strings.TrimSpace(def.HealthCheck),
			PrepareCommand:  strings.TrimSpace(def.PreRun),
			PrepareTriggers: append([]string{}, def.PreRunDeps...),
			WatchGlobs:      append([]string{}, def.WatchFiles...),
		}
	}
	return out, nil
}
