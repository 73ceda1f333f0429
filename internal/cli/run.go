package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/rolegroup/internal/config"
	"github.com/t77yq/rolegroup/internal/control"
	"github.com/t77yq/rolegroup/internal/group"
	"github.com/t77yq/rolegroup/internal/launcher"
	"github.com/t77yq/rolegroup/internal/monitor"
	"github.com/t77yq/rolegroup/internal/runner"
	"github.com/t77yq/rolegroup/internal/storage"
)

func runCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the group until it finishes.",
		Long: `Run launches every listed role and supervises it according to its retry
policy. The result is written to stdout: the main role's value when a main
role is set, the run record otherwise. SIGUSR1 pauses the group, SIGUSR2
resumes it, SIGINT and SIGTERM stop it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := opts.logger()
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()

			loader := opts.loader(logger)
			v := loader.Viper()
			for key, flag := range map[string]string{
				"group.name":       "group",
				"group.roles":      "roles",
				"group.main_role":  "main-role",
				"group.forwarding": "forwarding",
				"home.path":        "home",
			} {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return fmt.Errorf("failed to bind flag %s: %w", flag, err)
				}
			}

			cfg, err := loader.Load()
			if err != nil {
				return err
			}

			return runGroup(cmd.Context(), cfg, loader, cmd.OutOrStdout(), logger)
		},
	}

	flags := cmd.Flags()
	flags.String("group", "", "Name of the group.")
	flags.String("roles", "", "Comma separated list of roles to run.")
	flags.String("main-role", "", "Role whose value finishes the group. Must be one of --roles.")
	flags.Bool("forwarding", false, "Connect stdin to the main role.")
	flags.String("home", "", "Home path passed to every role.")
	return cmd
}

func runGroup(ctx context.Context, cfg *config.Config, loader *config.Loader, stdout io.Writer, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	registry := config.NewRegistry(cfg, logger)
	registry.Watch(loader)

	logs, err := launcher.NewLogManager(launcher.LogConfig{
		Dir:           cfg.Logs.Dir,
		MaxFileSize:   cfg.Logs.MaxSize,
		MaxAge:        cfg.Logs.MaxAge,
		FlushInterval: cfg.Logs.FlushInterval,
	}, logger)
	if err != nil {
		return err
	}
	if err := logs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start log manager: %w", err)
	}
	defer logs.Stop()

	execBackend := launcher.NewExec(launcher.ExecConfig{
		AbortGrace: cfg.Group.AbortGrace,
		Stdin:      os.Stdin,
	}, logs, nil, logger)
	defer execBackend.Shutdown()

	router := launcher.NewRouter(execBackend, nil)
	if docker, err := launcher.NewDockerClient(); err != nil {
		logger.Warn("Container roles unavailable", zap.Error(err))
	} else {
		defer docker.Close()
		router.Handle(launcher.ContainerScheme, launcher.NewContainer(docker, logs, nil, logger))
	}

	history, err := storage.NewSQLiteHistory(logger, cfg.History.Path)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer history.Close()

	retention, err := storage.NewRetention(history, cfg.History.CleanupSchedule, cfg.History.Retention, nil, logger)
	if err != nil {
		return err
	}
	retention.Start()
	defer retention.Stop()

	metrics := monitor.NewMetrics()
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error("Metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	deps := runner.Deps{
		Backend:  router,
		Registry: registry,
		History:  history,
		Metrics:  metrics,
	}

	var nc *nats.Conn
	var js nats.JetStreamContext
	if cfg.NATS.Enabled {
		nc, err = control.Connect(cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()

		js, err = nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		if err := control.SetupStreams(js, logger); err != nil {
			return err
		}
		deps.Publisher = control.NewEventPublisher(js, logger)
	}

	r := runner.New(group.Config{
		Name:       cfg.Group.Name,
		Home:       cfg.Home.Path,
		MainRole:   cfg.Group.MainRole,
		Forwarding: cfg.Group.Forwarding,
		Anchor:     os.Getpid(),
	}, deps, logger)

	if nc != nil {
		server := control.NewCommandServer(nc, cfg.Group.Name, r, logger)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()

		alerts := monitor.NewAlertManager(cfg.Group.Name, js, nil, logger)
		for _, rule := range monitor.DefaultRules() {
			if err := alerts.AddRule(rule); err != nil {
				return err
			}
		}
		if err := alerts.Start(ctx); err != nil {
			return err
		}
	}

	collector := monitor.NewCollector(monitor.CollectorConfig{
		Group:    cfg.Group.Name,
		Interval: cfg.Metrics.SampleInterval,
		JS:       js,
		Metrics:  metrics,
	}, execBackend, logger)
	collector.Start(ctx)
	defer collector.Stop()

	stopSignals := relaySignals(r, logger)
	defer stopSignals()

	logger.Info("Running group",
		zap.String("group", cfg.Group.Name),
		zap.String("run_id", r.RunID()),
		zap.String("roles", cfg.Group.Roles),
		zap.String("main_role", cfg.Group.MainRole))

	result, err := r.Run(ctx, cfg.Group.Roles)
	if err != nil {
		return err
	}
	return writeResult(stdout, result)
}

// writeResult prints the group result and turns failures into exit statuses
func writeResult(w io.Writer, result group.Result) error {
	switch result.Kind {
	case group.ResultAck:
		return nil

	case group.ResultFailed:
		return &ExitError{Code: 1, Err: result.Err}

	case group.ResultMain:
		value := result.Value
		if len(value.Output) > 0 {
			fmt.Fprintln(w, string(value.Output))
		}
		if value.Faulted() {
			code := value.ExitCode
			if code <= 0 {
				code = 1
			}
			return &ExitError{Code: code, Err: fmt.Errorf("main role failed: %s", value.Fault)}
		}
		return nil

	default:
		data, err := json.MarshalIndent(result.Record, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal run record: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
}
