package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-go-golems/hyve/pkg/state"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	var lines int
	var follow bool
	var prepare bool
	var orchestrator bool
	var lastRun bool
	var noHeaders bool

	cmd := &cobra.Command{
		Use:   "logs [name] <service>",
		Short: "Print the tail of a service log",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, opts, err := loadProject(cmd)
			if err != nil {
				return err
			}
			var name, svc string
			switch len(args) {
			case 2:
				name, svc = args[0], args[1]
			case 1:
				svc = args[0]
			}
			if svc == "" && !orchestrator {
				return errors.New("service name required (or --orchestrator)")
			}
			env, err := resolveEnvironment(p, opts, name)
			if err != nil {
				return err
			}

			var path string
			switch {
			case orchestrator:
				path = filepath.Join(state.LogsDir(env.Dir), state.OrchestratorLog)
			case prepare:
				path = state.PreparePath(env.Dir, svc)
			default:
				if _, ok := p.Specs[svc]; !ok {
					return errors.Errorf("unknown service %q", svc)
				}
				path = state.LogPath(env.Dir, svc)
			}

			tail, err := state.TailLog(path, state.TailOptions{
				Lines:       lines,
				MaxBytes:    2 << 20,
				LastRun:     lastRun,
				SkipHeaders: noHeaders,
			})
			if err != nil {
				if os.IsNotExist(errors.Cause(err)) {
					return errors.Errorf("no log at %s (has the service been started?)", path)
				}
				return err
			}
			out := cmd.OutOrStdout()
			for _, l := range tail {
				_, _ = fmt.Fprintln(out, l)
			}
			if !follow {
				return nil
			}

			fi, err := os.Stat(path)
			if err != nil {
				return errors.Wrap(err, "stat log")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := state.Follow(ctx, path, fi.Size(), out); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to print")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	cmd.Flags().BoolVar(&prepare, "prepare", false, "Show the service's pre_run log instead")
	cmd.Flags().BoolVar(&orchestrator, "orchestrator", false, "Show hyve's own log for the workspace")
	cmd.Flags().BoolVar(&lastRun, "last-run", false, "Only show output since the most recent start or prepare")
	cmd.Flags().BoolVar(&noHeaders, "no-headers", false, "Hide the \"==>\" line written before each run")
	return cmd
}
