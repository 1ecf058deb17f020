package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"smartarb-advisor/internal/advisory"
	"smartarb-advisor/internal/api"
	"smartarb-advisor/internal/apply"
	"smartarb-advisor/internal/config"
	"smartarb-advisor/internal/engine"
	"smartarb-advisor/internal/models"
	"smartarb-advisor/internal/monitor"
	"smartarb-advisor/internal/notify"
	"smartarb-advisor/internal/queue"
	"smartarb-advisor/internal/report"
	"smartarb-advisor/internal/scheduler"
	"smartarb-advisor/internal/security"
	"smartarb-advisor/internal/store"
)

func addDaemonCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newValidateCmd(app))
}

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the advisor daemon",
		Long: `Start the scheduler, the emergency monitor and the control API.
Stops cleanly on SIGINT or SIGTERM once the executing analysis finishes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.requireConfig()
			if err != nil {
				return err
			}
			if readOnly, _ := cmd.Flags().GetBool("read-only"); readOnly {
				cfg.Security.ReadOnlyMode = true
			}
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				cfg.API.Listen = listen
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, app, cfg)
		},
	}
	cmd.Flags().Bool("read-only", false, "never write configuration changes")
	cmd.Flags().String("listen", "", "control API listen address (default: api.listen)")
	return cmd
}

func runDaemon(ctx context.Context, app *App, cfg *config.Config) error {
	logger := app.Logger
	if !cfg.HasAdvisoryKey() {
		return fmt.Errorf("advisory API key is not configured (set ADVISORY_API_KEY or credentials.toml)")
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var audit *security.AuditLogger
	if cfg.Security.AuditEnabled {
		auditCfg := security.DefaultAuditConfig()
		auditCfg.Path = cfg.Security.AuditPath
		audit, err = security.NewAuditLogger(auditCfg)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer audit.Close()
	}
	access := security.NewAccessController(cfg.Security.ReadOnlyMode, audit)

	notifier := notify.NewMultiNotifier(&cfg.Notifications)
	notifier.AddChannel(notify.NewLogNotifier(logger))

	engineClient := engine.NewClient(cfg.Engine, cfg.Credentials.Engine.APIToken, logger)
	thresholds := monitor.NewThresholds(cfg.Emergency.Thresholds())
	completer := advisory.NewOpenAIClient(cfg.Credentials.Advisory.APIKey, cfg.Advisory)

	sched, err := scheduler.New(scheduler.Deps{
		Queue:      queue.NewBoundedQueue(cfg.Scheduler.QueueCapacity),
		Reports:    report.NewBuilder(engineClient, thresholds, cfg.Report, logger),
		Advisor:    advisory.New(completer, cfg.Advisory, cfg.Validator.TrustedRoot, logger),
		Validator:  security.NewValidator(cfg.Validator.TrustedRoot, cfg.Validator.MaxCodeChanges),
		Applier:    apply.NewExecutor(st, access, audit, logger),
		History:    st,
		Config:     st,
		Monitor:    monitor.New(engineClient, thresholds, notifier, logger),
		Thresholds: thresholds,
		Notifier:   notifier,
		Access:     access,
		Audit:      audit,
	}, scheduler.OptionsFromConfig(cfg), logger)
	if err != nil {
		return err
	}

	err = config.WatchThresholds(app.ConfigDir, logger, func(t models.EmergencyThresholds) {
		if err := sched.UpdateThresholds(ctx, t); err != nil {
			logger.Warn().Err(err).Msg("Reloaded thresholds not applied")
		}
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Config file watch disabled")
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	logger.Info().
		Str("schedule", sched.Schedule()).
		Str("model", completer.Model()).
		Bool("auto_apply", cfg.AutoApply.Enabled).
		Bool("read_only", cfg.Security.ReadOnlyMode).
		Msg("Advisor running")

	serveErr := api.NewServer(sched, st, logger).ListenAndServe(ctx, cfg.API.Listen)
	if serveErr != nil {
		logger.Error().Err(serveErr).Msg("Control API failed")
	}

	if err := sched.Stop(); err != nil {
		return err
	}
	return serveErr
}

func newValidateCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <response-file>",
		Short: "Parse and vet a saved advisory response offline",
		Long: `Parse an advisory response the way the daemon would and show which
recommendations survive validation and which would be auto-applied.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			validator := security.DefaultValidator()
			if cfg, err := app.requireConfig(); err == nil {
				validator = security.NewValidator(cfg.Validator.TrustedRoot, cfg.Validator.MaxCodeChanges)
			}

			result, err := advisory.Parse(string(raw))
			if err != nil {
				return err
			}
			accepted, rejected := validator.Partition(result.Recommendations)
			return printValidation(NewOutput(cmd), result, accepted, rejected)
		},
	}
}

type validationEntry struct {
	Title       string `json:"title" yaml:"title"`
	Priority    string `json:"priority" yaml:"priority"`
	AutoApplied bool   `json:"auto_applicable" yaml:"auto_applicable"`
	Reason      string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type validationReport struct {
	Accepted []validationEntry `json:"accepted" yaml:"accepted"`
	Rejected []validationEntry `json:"rejected" yaml:"rejected"`
	Dropped  []string          `json:"dropped" yaml:"dropped"`
}

func printValidation(output *Output, result *advisory.ParseResult, accepted []models.Recommendation, rejected []security.Rejection) error {
	rep := validationReport{
		Accepted: []validationEntry{},
		Rejected: []validationEntry{},
		Dropped:  []string{},
	}
	for _, r := range accepted {
		ok, reason := apply.Eligible(r)
		rep.Accepted = append(rep.Accepted, validationEntry{Title: r.Title, Priority: string(r.Priority), AutoApplied: ok, Reason: reason})
	}
	for _, r := range rejected {
		rep.Rejected = append(rep.Rejected, validationEntry{Title: r.Recommendation.Title, Priority: string(r.Recommendation.Priority), Reason: r.Err.Rule + ": " + r.Err.Reason})
	}
	for _, d := range result.Dropped {
		rep.Dropped = append(rep.Dropped, d.Error())
	}

	if output.IsStructured() {
		return output.Structured(rep)
	}

	output.Bold("Accepted (%d)", len(rep.Accepted))
	for i, e := range rep.Accepted {
		mode := "manual review"
		if e.AutoApplied {
			mode = output.ColoredString(ColorGreen, "auto-apply")
		}
		output.Printf("  %s %s %s [%s]\n", output.ColoredString(ColorGreen, "+"), PadRight(output.Priority(accepted[i].Priority), 8), e.Title, mode)
	}
	if len(rep.Rejected) > 0 {
		output.Println()
		output.Bold("Rejected (%d)", len(rep.Rejected))
		for _, e := range rep.Rejected {
			output.Printf("  %s %s: %s\n", output.ColoredString(ColorRed, "x"), e.Title, e.Reason)
		}
	}
	if len(rep.Dropped) > 0 {
		output.Println()
		output.Bold("Unparseable entries (%d)", len(rep.Dropped))
		for _, d := range rep.Dropped {
			output.Dim("  %s", d)
		}
	}
	return nil
}
