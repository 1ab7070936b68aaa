package cmds

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-go-golems/hyve/pkg/engine"
	"github.com/go-go-golems/hyve/pkg/events"
	"github.com/go-go-golems/hyve/pkg/health"
	"github.com/go-go-golems/hyve/pkg/metrics"
	"github.com/go-go-golems/hyve/pkg/orchestrator"
	"github.com/go-go-golems/hyve/pkg/ports"
	"github.com/go-go-golems/hyve/pkg/state"
	"github.com/go-go-golems/hyve/pkg/supervise"
	"github.com/go-go-golems/hyve/pkg/ui"
	"github.com/go-go-golems/hyve/pkg/watch"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

func newRunCmd() *cobra.Command {
	var watchFiles bool
	var metricsAddr string
	var skipSweep bool
	var levelDelay time.Duration
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "run [name] [services...]",
		Short: "Start the services of a workspace in dependency order",
		Long: "Start the services of a workspace level by level. Services default to the " +
			"workspace's repos. Stale processes on the services' ports are killed first. " +
			"Started services keep running after hyve exits; stop them with hyve halt.",
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
			if len(requested) == 0 {
				return errors.Errorf("no services to run in %s (no repo has a service definition)", env.Name)
			}

			closeLog, err := teeLogToFile(filepath.Join(state.LogsDir(env.Dir), state.OrchestratorLog))
			if err != nil {
				return err
			}
			defer closeLog()

			out := cmd.OutOrStdout()
			printer := ui.NewPrinter(out)
			theme := printer.Theme()

			bus, err := events.NewInMemoryBus()
			if err != nil {
				return err
			}
			bus.AddHandler("console", printer.Handle)
			busCtx, stopBus := context.WithCancel(context.Background())
			defer func() {
				stopBus()
				_ = bus.Close()
			}()
			if err := bus.Start(busCtx); err != nil {
				return err
			}

			alloc := p.Ports(env)
			sup := supervise.New(supervise.Options{
				ShellWrapper: p.Config.Services.ShellWrapper,
				Events:       bus,
			})
			run := orchestrator.NewRunContext()
			orch := orchestrator.New(sup, orchestrator.Options{
				EnvName:         env.Name,
				EnvDir:          env.Dir,
				Ports:           alloc,
				Specs:           p.Specs,
				InterLevelDelay: levelDelay,
				SkipSweep:       skipSweep,
				Run:             run,
				Events:          bus,
			})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				select {
				case sig := <-sigCh:
					if pids := run.Interrupt(sup.Platform()); len(pids) > 0 {
						log.Warn().Str("signal", sig.String()).Ints("pids", pids).Msg("startup interrupted, stopping spawned services")
					}
					cancel()
				case <-ctx.Done():
				}
			}()

			_, _ = fmt.Fprintf(out, "%s %s\n", theme.Title.Render("Starting services for"), theme.Accent.Render(env.Name))
			res, err := orch.RunAll(ctx, requested)
			if run.Interrupted() {
				_, _ = fmt.Fprintln(out, theme.Warn.Render("\nStartup interrupted, spawned services were stopped"))
				return withExitCode(130, errors.New("interrupted"))
			}
			if res == nil {
				return err
			}
			if err != nil {
				log.Debug().Err(err).Msg("run ended early")
			}

			_ = printer.Summary(ui.Summary{
				Environment: env.Name,
				Outcomes:    res.Outcomes,
				AtRisk:      res.AtRisk,
				LogsDir:     state.LogsDir(env.Dir),
			})
			run.CompleteStartup()
			bus.Publish(events.Event{
				Type:    events.TypeStartupDone,
				Message: fmt.Sprintf("%d of %d services started", res.Started(), len(res.Outcomes)),
			})

			if res.Started() == 0 {
				return withExitCode(1, errors.New("no services started"))
			}
			if !watchFiles {
				if metricsAddr != "" {
					log.Warn().Msg("--metrics-addr is only served with --watch")
				}
				return nil
			}
			return watchEnvironment(ctx, watchParams{
				specs:       p.Specs,
				envDir:      env.Dir,
				alloc:       alloc,
				sup:         sup,
				run:         run,
				bus:         bus,
				debounce:    debounce,
				metricsAddr: metricsAddr,
				out:         printer,
			})
		},
	}

	cmd.Flags().BoolVar(&watchFiles, "watch", false, "Keep running and rerun pre_run commands when watched files change")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while watching (e.g. :9464)")
	cmd.Flags().BoolVar(&skipSweep, "skip-sweep", false, "Do not kill stale processes on the services' ports")
	cmd.Flags().DurationVar(&levelDelay, "level-delay", 3*time.Second, "Pause between dependency levels (negative disables)")
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "Quiet period before reacting to file changes")
	return cmd
}

// teeLogToFile points the global logger at stderr and a rotating file, keeping
// the configured level. The returned func restores the previous logger.
func teeLogToFile(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir logs dir")
	}
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
	}
	prev := log.Logger
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, sink)).
		Level(prev.GetLevel()).
		With().Timestamp().Logger()
	return func() {
		log.Logger = prev
		_ = sink.Close()
	}, nil
}

type watchParams struct {
	specs       map[string]engine.ServiceSpec
	envDir      string
	alloc       ports.Allocator
	sup         *supervise.Supervisor
	run         *orchestrator.RunContext
	bus         *events.Bus
	debounce    time.Duration
	metricsAddr string
	out         *ui.Printer
}

// watchEnvironment runs the watch reactor, and the metrics server when an
// address is given, until ctx is cancelled. Spawned services are left alone.
func watchEnvironment(ctx context.Context, wp watchParams) error {
	set, err := watch.Collect(wp.specs, wp.envDir, wp.alloc)
	if err != nil {
		if errors.Is(err, watch.ErrNothingToWatch) {
			log.Warn().Err(err).Msg("watch mode has nothing to do")
			return nil
		}
		return err
	}
	reactor, err := watch.NewReactor(watch.Options{
		EnvDir:       wp.envDir,
		Set:          set,
		Preparer:     wp.sup,
		Gate:         health.New(health.Options{}),
		RunningPorts: wp.run.RunningPorts,
		Debounce:     wp.debounce,
		Events:       wp.bus,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reactor.Run(gctx) })
	if wp.metricsAddr != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		g.Go(func() error { return metrics.Serve(gctx, wp.metricsAddr) })
	}

	t := wp.out.Theme()
	_, _ = fmt.Fprintln(wp.out.Writer(), t.Dim.Render("Watching for changes, Ctrl+C stops watching (services keep running)"))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
