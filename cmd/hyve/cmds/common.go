package cmds

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/hyve/pkg/workspace"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type rootOptions struct {
	ProjectRoot string
	Config      string
}

func AddRootFlags(root *cobra.Command) {
	addRootFlags(root.PersistentFlags())
}

func addRootFlags(fs *pflag.FlagSet) {
	fs.String("project-root", "", "Directory to search for .hyve.yaml from (defaults to current directory)")
	fs.String("config", "", "Path to config file (skips the upward search)")
}

func getRootOptions(cmd *cobra.Command) (rootOptions, error) {
	projectRoot, err := cmd.Root().PersistentFlags().GetString("project-root")
	if err != nil {
		return rootOptions{}, err
	}
	if projectRoot == "" {
		projectRoot, err = os.Getwd()
		if err != nil {
			return rootOptions{}, err
		}
	}
	projectRoot, err = filepath.Abs(projectRoot)
	if err != nil {
		return rootOptions{}, err
	}

	cfgPath, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return rootOptions{}, err
	}
	return rootOptions{ProjectRoot: projectRoot, Config: cfgPath}, nil
}

func loadProject(cmd *cobra.Command) (*workspace.Project, rootOptions, error) {
	opts, err := getRootOptions(cmd)
	if err != nil {
		return nil, rootOptions{}, err
	}
	p, err := workspace.Load(workspace.Options{Root: opts.ProjectRoot, ConfigPath: opts.Config})
	if err != nil {
		return nil, rootOptions{}, err
	}
	return p, opts, nil
}

// resolveEnvironment picks the environment a command acts on. Without a
// name it uses the environment containing the project root, or the only
// environment if there is exactly one.
func resolveEnvironment(p *workspace.Project, opts rootOptions, name string) (*workspace.Environment, error) {
	if name != "" {
		return p.Environment(name)
	}

	if rel, err := filepath.Rel(p.WorkspacesDir, opts.ProjectRoot); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		first := strings.Split(filepath.ToSlash(rel), "/")[0]
		return p.Environment(first)
	}

	names, err := p.List()
	if err != nil {
		return nil, err
	}
	switch len(names) {
	case 0:
		return nil, errors.Errorf("no workspaces found in %s", p.WorkspacesDir)
	case 1:
		return p.Environment(names[0])
	default:
		return nil, errors.Errorf("workspace name required, one of: %s", strings.Join(names, ", "))
	}
}

// splitEnvArgs splits "[name] [services...]" positional arguments.
func splitEnvArgs(args []string) (string, []string) {
	if len(args) == 0 {
		return "", nil
	}
	return args[0], args[1:]
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// ExitCode maps an error returned by a command to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}
