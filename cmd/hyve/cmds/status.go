package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-go-golems/hyve/pkg/health"
	"github.com/go-go-golems/hyve/pkg/proc"
	"github.com/go-go-golems/hyve/pkg/state"
	"github.com/go-go-golems/hyve/pkg/supervise"
	"github.com/go-go-golems/hyve/pkg/ui"
	"github.com/go-go-golems/hyve/pkg/workspace"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type serviceStatus struct {
	Name       string       `json:"name"`
	Port       int          `json:"port"`
	PID        int          `json:"pid,omitempty"`
	Alive      bool         `json:"alive"`
	PortInUse  bool         `json:"port_in_use"`
	Health     string       `json:"health,omitempty"`
	MemoryMB   int64        `json:"memory_mb,omitempty"`
	LastStatus state.Status `json:"last_status,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [name]",
		Short: "Show the state of a workspace's services",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, opts, err := loadProject(cmd)
			if err != nil {
				return err
			}
			name, _ := splitEnvArgs(args)
			env, err := resolveEnvironment(p, opts, name)
			if err != nil {
				return err
			}
			names, err := haltTargets(p, env, nil)
			if err != nil {
				return err
			}
			statuses := collectStatus(cmd.Context(), p, env, names, supervise.UnixPlatform{}, health.New(health.Options{AttemptTimeout: 2 * time.Second}))

			if asJSON {
				b, err := json.MarshalIndent(map[string]any{
					"workspace": env.Name,
					"dir":       env.Dir,
					"index":     env.Index,
					"services":  statuses,
				}, "", "  ")
				if err != nil {
					return errors.Wrap(err, "marshal status")
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderStatus(env, statuses))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")
	return cmd
}

func collectStatus(ctx context.Context, p *workspace.Project, env *workspace.Environment, names []string, platform supervise.Platform, gate *health.Gate) []serviceStatus {
	alloc := p.Ports(env)
	var last *state.State
	if st, err := state.Load(env.Dir); err == nil {
		last = st
	}

	out := make([]serviceStatus, 0, len(names))
	for _, svc := range names {
		spec := p.Specs[svc]
		s := serviceStatus{Name: svc, Port: alloc.Port(spec.DefaultPort)}
		if pid, ok := state.ReadPID(state.PIDPath(env.Dir, svc)); ok {
			s.PID = pid
			s.Alive = platform.Alive(pid)
		}
		if pids, err := platform.PIDsOnPort(ctx, s.Port); err == nil {
			s.PortInUse = len(pids) > 0
		}
		if spec.HealthCheckURL != "" && (s.Alive || s.PortInUse) {
			url := supervise.Substitute(spec.HealthCheckURL, s.Port, nil)
			if err := gate.Check(ctx, url); err != nil {
				s.Health = "unhealthy"
			} else {
				s.Health = "healthy"
			}
		}
		if s.Alive && proc.Available() {
			if st, err := proc.ReadStat(s.PID); err == nil {
				s.MemoryMB = st.MemoryMB()
			}
		}
		if last != nil {
			if rec, ok := last.Service(svc); ok {
				s.LastStatus = rec.Status
				s.LastError = rec.Error
			}
		}
		out = append(out, s)
	}
	return out
}

func renderStatus(env *workspace.Environment, statuses []serviceStatus) string {
	t := ui.DefaultTheme()
	branch, created := "unknown", "unknown"
	if env.Sidecar != nil {
		if env.Sidecar.Branch != "" {
			branch = env.Sidecar.Branch
		}
		if env.Sidecar.Created != "" {
			created = env.Sidecar.Created
		}
	}

	head := fmt.Sprintf("%s %s\n%s\n\n  %s %s\n  %s %s\n  %s %s\n",
		t.Title.Render("Workspace:"), env.Name, t.Rule(50),
		t.Dim.Render("Location:"), env.Dir,
		t.Dim.Render("Branch:  "), branch,
		t.Dim.Render("Created: "), created)

	rows := make([]ui.TableRow, 0, len(statuses))
	for _, s := range statuses {
		icon, style := ui.IconPending, t.Pending
		running := "stopped"
		switch {
		case s.Alive:
			icon, style, running = ui.IconSuccess, t.OK, "running"
		case s.PortInUse:
			icon, style, running = ui.IconWarning, t.Warn, "port in use"
		}
		if s.Health == "unhealthy" {
			icon, style = ui.IconWarning, t.Warn
		}
		pid, mem := "-", "-"
		if s.PID > 0 {
			pid = strconv.Itoa(s.PID)
		}
		if s.MemoryMB > 0 {
			mem = fmt.Sprintf("%d MB", s.MemoryMB)
		}
		hc := s.Health
		if hc == "" {
			hc = "-"
		}
		rows = append(rows, ui.TableRow{
			Icon:      icon,
			IconStyle: style,
			Cells:     []string{s.Name, strconv.Itoa(s.Port), pid, running, hc, mem, string(s.LastStatus)},
		})
	}
	table := ui.NewTable([]ui.TableColumn{
		{Header: "SERVICE"}, {Header: "PORT"}, {Header: "PID"}, {Header: "STATE"},
		{Header: "HEALTH"}, {Header: "RSS"}, {Header: "LAST RUN"},
	}).WithRows(rows)
	return head + "\n" + table.Render()
}
