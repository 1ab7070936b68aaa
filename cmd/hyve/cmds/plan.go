package cmds

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-go-golems/hyve/pkg/engine"
	"github.com/go-go-golems/hyve/pkg/ui"
	"github.com/spf13/cobra"
)

type planService struct {
	Name      string   `json:"name"`
	Level     int      `json:"level"`
	Port      int      `json:"port"`
	DependsOn []string `json:"depends_on,omitempty"`
}

func newPlanCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "plan [name] [services...]",
		Short: "Show the start order and levels without starting anything",
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
			requested, err := p.RequestedServices(env, explicit)
			if err != nil {
				return err
			}
			plan, err := engine.Resolve(requested, p.Specs)
			if err != nil {
				return err
			}

			alloc := p.Ports(env)
			services := make([]planService, 0, len(plan.Order))
			for _, svc := range plan.Order {
				services = append(services, planService{
					Name:      svc,
					Level:     plan.LevelOf(svc),
					Port:      alloc.Port(p.Specs[svc].DefaultPort),
					DependsOn: plan.DependsOn(svc),
				})
			}

			out := cmd.OutOrStdout()
			if asJSON {
				b, err := json.MarshalIndent(map[string]any{
					"workspace": env.Name,
					"order":     plan.Order,
					"levels":    plan.Levels,
					"services":  services,
				}, "", "  ")
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(out, string(b))
				return nil
			}

			t := ui.DefaultTheme()
			_, _ = fmt.Fprintf(out, "%s %s\n\n", t.Title.Render("Start order:"), strings.Join(plan.Order, " "+ui.IconArrow+" "))
			rows := make([]ui.TableRow, 0, len(services))
			for _, s := range services {
				deps := strings.Join(s.DependsOn, ", ")
				if deps == "" {
					deps = "-"
				}
				rows = append(rows, ui.TableRow{Cells: []string{fmt.Sprint(s.Level), s.Name, fmt.Sprint(s.Port), deps}})
			}
			_, _ = fmt.Fprintln(out, ui.NewTable([]ui.TableColumn{
				{Header: "LEVEL"}, {Header: "SERVICE"}, {Header: "PORT"}, {Header: "DEPENDS ON"},
			}).WithRows(rows).Render())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the plan as JSON")
	return cmd
}
