package cmds

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-go-golems/hyve/pkg/ui"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type listEntry struct {
	Name   string   `json:"name"`
	Index  int      `json:"index"`
	Branch string   `json:"branch,omitempty"`
	Repos  []string `json:"repos,omitempty"`
	DBPort int      `json:"db_port,omitempty"`
}

func newListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List workspaces",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := loadProject(cmd)
			if err != nil {
				return err
			}
			names, err := p.List()
			if err != nil {
				return err
			}

			entries := make([]listEntry, 0, len(names))
			for _, n := range names {
				env, err := p.Environment(n)
				if err != nil {
					log.Warn().Err(err).Str("workspace", n).Msg("skipping workspace")
					continue
				}
				e := listEntry{Name: n, Index: env.Index, Repos: env.Repos()}
				if env.Sidecar != nil {
					e.Branch = env.Sidecar.Branch
					if env.Sidecar.Database != nil {
						e.DBPort = env.Sidecar.Database.Port
					}
				}
				entries = append(entries, e)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				b, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(out, string(b))
				return nil
			}

			t := ui.DefaultTheme()
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(out, t.Dim.Render("No workspaces found in "+p.WorkspacesDir))
				return nil
			}
			_, _ = fmt.Fprintf(out, "%s\n%s\n\n", t.Title.Render("Workspaces"), t.Rule(50))
			for _, e := range entries {
				branch, repos := e.Branch, strings.Join(e.Repos, ", ")
				if branch == "" {
					branch = "unknown"
				}
				if repos == "" {
					repos = "unknown"
				}
				_, _ = fmt.Fprintf(out, "  %s %s\n", t.Accent.Render(ui.IconBullet), t.Title.Render(e.Name))
				_, _ = fmt.Fprintf(out, "    %s %s\n", t.Dim.Render("Branch:"), branch)
				_, _ = fmt.Fprintf(out, "    %s  %s\n", t.Dim.Render("Repos:"), repos)
				if e.DBPort > 0 {
					_, _ = fmt.Fprintf(out, "    %s     localhost:%d\n", t.Dim.Render("DB:"), e.DBPort)
				}
				_, _ = fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print workspaces as JSON")
	return cmd
}
