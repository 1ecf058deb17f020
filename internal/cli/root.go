// Package cli provides the command-line interface for the advisor.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"smartarb-advisor/internal/api"
	"smartarb-advisor/internal/config"
	"smartarb-advisor/internal/logging"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2025-07-01"
)

// App holds state shared by every command.
type App struct {
	ConfigDir string
	Config    *config.Config
	ConfigErr error
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "advisor",
		Short: "SmartArb advisor - scheduled performance analysis for the arbitrage engine",
		Long: `advisor periodically pulls a performance report from the trading engine,
asks an advisory model for recommendations, vets them and applies safe
configuration changes.

Run 'advisor run' to start the daemon. The other commands talk to a
running daemon over its control API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app.ConfigDir, _ = cmd.Flags().GetString("config")
			app.Config, app.ConfigErr = config.Load(app.ConfigDir)
			if app.ConfigErr == nil {
				app.Logger = logging.NewLoggerWithConfig(logConfig(app.Config.Logging))
			}

			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/smartarb-advisor)")
	rootCmd.PersistentFlags().String("api-url", "", "control API base URL (default: api.base_url)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("yaml", false, "output in YAML format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	addCoreCommands(rootCmd, app)
	addDaemonCommands(rootCmd, app)
	addClientCommands(rootCmd, app)

	return rootCmd
}

// requireConfig returns the loaded config or the error that prevented it.
func (app *App) requireConfig() (*config.Config, error) {
	if app.ConfigErr != nil {
		return nil, app.ConfigErr
	}
	if app.Config == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return app.Config, nil
}

// client builds a control API client from --api-url or the config.
func (app *App) client(cmd *cobra.Command) (*api.Client, error) {
	url, _ := cmd.Flags().GetString("api-url")
	if url == "" {
		cfg, err := app.requireConfig()
		if err != nil {
			return nil, err
		}
		url = cfg.API.BaseURL
	}
	return api.NewClient(url, 0), nil
}

func logConfig(c config.LoggingConfig) logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Level,
		Console:    c.Console,
		File:       c.File != "",
		FilePath:   c.File,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
	}
}

func addCoreCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsStructured() {
				return output.Structured(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("smartarb-advisor v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate the advisor configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.requireConfig()
			if err != nil {
				return err
			}
			output := NewOutput(cmd)
			if output.IsStructured() {
				return output.Structured(cfg)
			}
			showConfig(output, cfg)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path := config.Path(app.ConfigDir)
			if output.IsStructured() {
				return output.Structured(map[string]string{"path": path})
			}
			output.Println(path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.ConfigErr != nil {
				if output.IsStructured() {
					_ = output.Structured(map[string]interface{}{"valid": false, "error": app.ConfigErr.Error()})
				} else {
					output.Error("Configuration validation failed: %v", app.ConfigErr)
				}
				return app.ConfigErr
			}
			if output.IsStructured() {
				return output.Structured(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			if !app.Config.HasAdvisoryKey() {
				output.Warning("No advisory API key configured; set ADVISORY_API_KEY or credentials.toml")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Scheduler")
	output.Printf("  Schedule:          %s\n", cfg.Scheduler.Schedule)
	output.Printf("  Poll interval:     %s - %s\n", cfg.Scheduler.MinPollInterval, cfg.Scheduler.MaxPollInterval)
	output.Printf("  Error backoff:     %s\n", cfg.Scheduler.ErrorBackoff)
	output.Printf("  Queue capacity:    %d\n", cfg.Scheduler.QueueCapacity)
	output.Println()

	output.Bold("Emergency thresholds")
	output.Printf("  Min success rate:  %.1f%%\n", cfg.Emergency.LowSuccessRatePct)
	output.Printf("  Max drawdown:      %.2f\n", cfg.Emergency.HighDrawdownAbs)
	output.Printf("  Max latency:       %.0fms\n", cfg.Emergency.MaxExecutionLatencyMs)
	output.Printf("  Failed streak:     %d\n", cfg.Emergency.FailedTradeStreak)
	output.Printf("  Health check:      %s\n", FormatBool(cfg.Emergency.EnqueueOnUnknown))
	output.Println()

	output.Bold("Advisory")
	output.Printf("  Model:             %s\n", cfg.Advisory.Model)
	output.Printf("  Timeout:           %s\n", cfg.Advisory.Timeout)
	output.Printf("  Requests/minute:   %d\n", cfg.Advisory.RequestsPerMinute)
	output.Printf("  API key:           %s\n", FormatBool(cfg.HasAdvisoryKey()))
	output.Println()

	output.Bold("Safety")
	output.Printf("  Auto-apply:        %s\n", FormatBool(cfg.AutoApply.Enabled))
	output.Printf("  Read-only:         %s\n", FormatBool(cfg.Security.ReadOnlyMode))
	output.Printf("  Trusted root:      %s\n", cfg.Validator.TrustedRoot)
	output.Printf("  Max code changes:  %d\n", cfg.Validator.MaxCodeChanges)
	output.Println()

	output.Bold("Endpoints")
	output.Printf("  Engine:            %s\n", cfg.Engine.BaseURL)
	output.Printf("  Control API:       %s\n", cfg.API.Listen)
	output.Printf("  Database:          %s\n", cfg.Store.Path)
	output.Printf("  Notifications:     %s\n", FormatBool(cfg.Notifications.Enabled))
}
