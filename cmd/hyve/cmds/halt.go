package cmds

import (
	"fmt"
	"sort"

	"github.com/go-go-golems/hyve/pkg/state"
	"github.com/go-go-golems/hyve/pkg/supervise"
	"github.com/go-go-golems/hyve/pkg/ui"
	"github.com/go-go-golems/hyve/pkg/workspace"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newHaltCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "halt [name] [services...]",
		Aliases: []string{"stop"},
		Short:   "Stop the services of a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, opts, err := loadProject(cmd)
			if err != nil {
				return err
			}
			name, explicit := splitEnvArgs(args)
			env, err := resolveEnvironment(p, opts, name)
			if err != nil {
				return err
			}
			names, err := haltTargets(p, env, explicit)
			if err != nil {
				return err
			}

			theme := ui.DefaultTheme()
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%s %s\n", theme.Title.Render("Stopping services for"), theme.Accent.Render(env.Name))

			alloc := p.Ports(env)
			sup := supervise.New(supervise.Options{})
			for _, svc := range names {
				res := sup.StopOne(cmd.Context(), supervise.StopRequest{
					Name:   svc,
					EnvDir: env.Dir,
					Port:   alloc.Port(p.Specs[svc].DefaultPort),
				})
				switch {
				case res.AlreadyStopped:
					_, _ = fmt.Fprintf(out, "  %s %s already stopped\n", theme.Dim.Render("-"), svc)
				default:
					line := fmt.Sprintf("  %s %s stopped", theme.OK.Render(ui.IconSuccess), svc)
					if len(res.PortKills) > 0 {
						line += theme.Dim.Render(fmt.Sprintf(" (killed %d on port %d)", len(res.PortKills), alloc.Port(p.Specs[svc].DefaultPort)))
					}
					_, _ = fmt.Fprintln(out, line)
				}
			}

			if len(explicit) == 0 {
				if err := state.Remove(env.Dir); err != nil {
					log.Warn().Err(err).Msg("remove run state")
				}
			}
			_, _ = fmt.Fprintln(out, theme.OK.Render(ui.IconSuccess+" All services stopped"))
			return nil
		},
	}
}

// haltTargets is the requested service set plus, without explicit names,
// whatever the last run recorded.
func haltTargets(p *workspace.Project, env *workspace.Environment, explicit []string) ([]string, error) {
	requested, err := p.RequestedServices(env, explicit)
	if err != nil {
		return nil, err
	}
	if len(explicit) > 0 {
		return requested, nil
	}
	seen := map[string]bool{}
	for _, n := range requested {
		seen[n] = true
	}
	if st, err := state.Load(env.Dir); err == nil {
		for _, rec := range st.Services {
			if _, ok := p.Specs[rec.Name]; ok && !seen[rec.Name] {
				seen[rec.Name] = true
				requested = append(requested, rec.Name)
			}
		}
	}
	sort.Strings(requested)
	return requested, nil
}
