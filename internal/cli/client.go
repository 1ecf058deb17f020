package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"smartarb-advisor/internal/api"
	"smartarb-advisor/internal/models"
	"smartarb-advisor/pkg/utils"
)

func addClientCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newHistoryCmd(app))
	rootCmd.AddCommand(newShowCmd(app))
	rootCmd.AddCommand(newEnqueueCmd(app))
	rootCmd.AddCommand(newForceCmd(app))
	rootCmd.AddCommand(newRequestCmd(app))
	rootCmd.AddCommand(newScheduleCmd(app))
	rootCmd.AddCommand(newThresholdsCmd(app))
	rootCmd.AddCommand(newValuesCmd(app))
	rootCmd.AddCommand(newChangesCmd(app))
	rootCmd.AddCommand(newRevertCmd(app))
}

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client(cmd)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsStructured() {
				return output.Structured(st)
			}
			printStatus(output, st, time.Now())
			return nil
		},
	}
}

func printStatus(output *Output, st *models.SchedulerStatus, now time.Time) {
	running := output.ColoredString(ColorRed, "stopped")
	if st.IsRunning {
		running = output.ColoredString(ColorGreen, "running")
	}

	output.Bold("Scheduler")
	output.Printf("  State:            %s\n", running)
	output.Printf("  Schedule:         %s\n", st.Schedule)
	if st.NextScheduledAt != nil {
		output.Printf("  Next run:         %s (%s)\n", FormatTimestamp(*st.NextScheduledAt), utils.FormatTimeUntil(*st.NextScheduledAt, now))
	}
	output.Printf("  Last run:         %s\n", FormatOptionalTime(st.LastRunAt))
	output.Printf("  Queue:            %d/%d (%d rejected)\n", st.QueueDepth, st.QueueCapacity, st.QueueRejected)
	output.Printf("  Executing:        %d\n", st.Executing)
	output.Println()

	output.Bold("Runs")
	output.Printf("  Total:            %d\n", st.TotalRuns)
	output.Printf("  Successful:       %d\n", st.SuccessfulRuns)
	output.Printf("  Failed:           %d\n", st.FailedRuns)
	output.Printf("  Success rate:     %.1f%%\n", st.SuccessRate)
	output.Printf("  Emergencies:      %d\n", st.EmergencyTriggers)
	output.Printf("  Blind checks:     %d\n", st.MonitorUnknownChecks)
	output.Printf("  Keys applied:     %d\n", st.AppliedChanges)
	output.Printf("  Auto-apply:       %s\n", FormatBool(st.AutoApplyEnabled))
	output.Println()

	output.Bold("Emergency thresholds")
	output.Printf("  Min success rate: %.1f%%\n", st.Thresholds.LowSuccessRatePct)
	output.Printf("  Max drawdown:     %.2f\n", st.Thresholds.HighDrawdownAbs)
	output.Printf("  Max latency:      %.0fms\n", st.Thresholds.MaxExecutionLatencyMs)
	output.Printf("  Failed streak:    %d\n", st.Thresholds.FailedTradeStreak)
}

func newHistoryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List completed analysis runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			client, err := app.client(cmd)
			if err != nil {
				return err
			}
			runs, err := client.History(cmd.Context(), limit)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsStructured() {
				return output.Structured(runs)
			}
			if len(runs) == 0 {
				output.Dim("No analysis runs recorded yet")
				return nil
			}
			table := NewTable(output, "RUN", "KIND", "COMPLETED", "RECS", "APPLIED", "PROFIT", "SUCCESS")
			for _, r := range runs {
				table.AddRow(
					r.RunID,
					string(r.Kind),
					FormatTimestamp(r.CompletedAt),
					fmt.Sprintf("%d", r.RecommendationCount),
					fmt.Sprintf("%d", r.AppliedCount),
					utils.FormatProfit(r.TotalProfit),
					fmt.Sprintf("%.1f%%", r.SuccessRate),
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "number of runs to show")
	return cmd
}

func newShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show the report and recommendations of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client(cmd)
			if err != nil {
				return err
			}
			art, err := client.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsStructured() {
				return output.Structured(art)
			}
			printArtifacts(output, art)
			return nil
		},
	}
}

func printArtifacts(output *Output, art *models.RunArtifacts) {
	r := art.Report
	output.Bold("Run %s", art.RunID)
	output.Printf("  Window:         %s to %s\n", FormatTimestamp(r.Window.From), FormatTimestamp(r.Window.To))
	output.Printf("  Trades:         %d (%d successful, %.2f%%)\n", r.TotalTrades, r.SuccessfulTrades, r.SuccessRate)
	output.Printf("  Profit:         %s (fees %s)\n", utils.FormatProfit(r.TotalProfit), r.TotalFees.StringFixed(2))
	output.Printf("  Max drawdown:   %.2f\n", r.Risk.MaxDrawdown)
	output.Printf("  Avg latency:    %.0fms\n", r.AvgExecutionLatencyMs)
	if len(r.IssuesDetected) > 0 {
		output.Println()
		output.Bold("Issues")
		for _, issue := range r.IssuesDetected {
			output.Warning("  ! %s", issue)
		}
	}

	output.Println()
	output.Bold("Recommendations (%d)", len(art.Recommendations))
	for i, rec := range art.Recommendations {
		output.Printf("%2d. %s [%s] %s\n", i+1, PadRight(output.Priority(rec.Priority), 8), rec.Category, rec.Title)
		output.Dim("    %s", utils.Truncate(rec.Description, 160))
		for _, key := range rec.ConfigKeys() {
			output.Printf("    %s = %s\n", key, FormatConfigValue(rec.ConfigChanges[key]))
		}
		for _, cc := range rec.CodeChanges {
			output.Printf("    edit %s %s\n", cc.File, output.ColoredString(ColorDim, cc.Reason))
		}
		if len(rec.Risks) > 0 {
			output.Dim("    risks: %v", rec.Risks)
		}
	}
}

func newEnqueueCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an analysis request",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			priority, _ := cmd.Flags().GetString("priority")
			focus, _ := cmd.Flags().GetString("focus")

			client, err := app.client(cmd)
			if err != nil {
				return err
			}
			id, err := client.Enqueue(cmd.Context(), api.EnqueueRequest{
				Kind:     models.RequestKind(kind),
				Priority: models.RequestPriority(priority),
				Focus:    focus,
			})
			if err != nil {
				return err
			}
			return reportQueued(cmd, client, id)
		},
	}
	cmd.Flags().String("kind", string(models.KindManual), "request kind (manual, scheduled, emergency, health_check)")
	cmd.Flags().String("priority", string(models.RequestHigh), "request priority (normal, high)")
	cmd.Flags().String("focus", "", "extra focus for the advisory prompt")
	cmd.Flags().Bool("wait", false, "wait until the request finishes")
	return cmd
}

func newForceCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "force",
		Short: "Force an immediate analysis",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, _ := cmd.Flags().GetString("kind")
			client, err := app.client(cmd)
			if err != nil {
				return err
			}
			id, err := client.Force(cmd.Context(), models.RequestKind(kind))
			if err != nil {
				return err
			}
			return reportQueued(cmd, client, id)
		},
	}
	cmd.Flags().String("kind", string(models.KindManual), "request kind")
	cmd.Flags().Bool("wait", false, "wait until the request finishes")
	return cmd
}

func newRequestCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "request <request_id>",
		Short: "Show the state of a queued request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client(cmd)
			if err != nil {
				return err
			}
			st, err := client.RequestState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRequestState(NewOutput(cmd), st)
		},
	}
}

func reportQueued(cmd *cobra.Command, client *api.Client, id string) error {
	output := NewOutput(cmd)
	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		if output.IsStructured() {
			return output.Structured(api.EnqueueResponse{RequestID: id, State: models.StateQueued})
		}
		output.Success("Queued request %s", id)
		return nil
	}

	if !output.IsStructured() {
		output.Info("Queued request %s, waiting...", id)
	}
	st, err := waitForRequest(cmd.Context(), client, id, 2*time.Second)
	if err != nil {
		return err
	}
	return printRequestState(output, st)
}

func waitForRequest(ctx context.Context, client *api.Client, id string, every time.Duration) (*models.RequestStatus, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st, err := client.RequestState(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.State.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printRequestState(output *Output, st *models.RequestStatus) error {
	if output.IsStructured() {
		return output.Structured(st)
	}
	output.Printf("Request %s (%s, %s): %s\n", st.Request.ID, st.Request.Kind, st.Request.Priority, output.State(st.State))
	if st.RunID != "" {
		output.Printf("  Run:     %s\n", st.RunID)
	}
	if st.Error != "" {
		output.Error("  Error:   %s", st.Error)
	}
	output.Dim("  Updated: %s", FormatTimestamp(st.UpdatedAt))
	return nil
}

func newScheduleCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule <cron-expression>",
		Short: "Replace the analysis schedule",
		Long: `Replace the cron schedule of the running daemon. Accepts five-field
cron expressions and descriptors such as @hourly or "@every 90m".`,
		Example: `  advisor schedule "*/30 * * * *"
  advisor schedule @daily`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client(cmd)
			if err != nil {
				return err
			}
			resp, err := client.UpdateSchedule(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsStructured() {
				return output.Structured(resp)
			}
			output.Success("Schedule set to %s", resp.Schedule)
			if resp.NextScheduledAt != "" {
				output.Dim("Next run: %s", resp.NextScheduledAt)
			}
			return nil
		},
	}
}

func newThresholdsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Emergency threshold management",
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Replace emergency thresholds",
		Long: `Replace the emergency thresholds of the running daemon. Flags that are
not given keep their current value.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client(cmd)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}

			t := st.Thresholds
			flags := cmd.Flags()
			if flags.Changed("success-rate") {
				t.LowSuccessRatePct, _ = flags.GetFloat64("success-rate")
			}
			if flags.Changed("drawdown") {
				t.HighDrawdownAbs, _ = flags.GetFloat64("drawdown")
			}
			if flags.Changed("latency") {
				t.MaxExecutionLatencyMs, _ = flags.GetFloat64("latency")
			}
			if flags.Changed("failed-streak") {
				t.FailedTradeStreak, _ = flags.GetInt("failed-streak")
			}
			if err := t.Validate(); err != nil {
				return err
			}
			if err := client.UpdateThresholds(cmd.Context(), t); err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsStructured() {
				return output.Structured(t)
			}
			output.Success("Emergency thresholds updated")
			printThresholdChanges(output, st.Thresholds, t)
			return nil
		},
	}
	set.Flags().Float64("success-rate", 0, "minimum success rate in percent")
	set.Flags().Float64("drawdown", 0, "maximum absolute drawdown")
	set.Flags().Float64("latency", 0, "maximum average execution latency in ms")
	set.Flags().Int("failed-streak", 0, "consecutive failed trades that trigger an emergency")

	cmd.AddCommand(set)
	return cmd
}

func printThresholdChanges(output *Output, before, after models.EmergencyThresholds) {
	rows := map[string][2]string{
		"low_success_rate_pct":     {fmt.Sprintf("%.1f", before.LowSuccessRatePct), fmt.Sprintf("%.1f", after.LowSuccessRatePct)},
		"high_drawdown_abs":        {fmt.Sprintf("%.2f", before.HighDrawdownAbs), fmt.Sprintf("%.2f", after.HighDrawdownAbs)},
		"max_execution_latency_ms": {fmt.Sprintf("%.0f", before.MaxExecutionLatencyMs), fmt.Sprintf("%.0f", after.MaxExecutionLatencyMs)},
		"failed_trade_streak":      {fmt.Sprintf("%d", before.FailedTradeStreak), fmt.Sprintf("%d", after.FailedTradeStreak)},
	}
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	table := NewTable(output, "THRESHOLD", "BEFORE", "AFTER")
	for _, k := range keys {
		v := rows[k]
		cell := v[1]
		if v[0] != v[1] {
			cell = output.ColoredString(ColorYellow, cell)
		}
		table.AddRow(k, v[0], cell)
	}
	table.Render()
}

func newValuesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "values",
		Short: "Show the tunable config values in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := app.client(cmd)
			if err != nil {
				return err
			}
			values, err := client.ConfigValues(cmd.Context())
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsStructured() {
				return output.Structured(values)
			}
			if len(values) == 0 {
				output.Dim("No config values stored yet")
				return nil
			}
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			table := NewTable(output, "KEY", "VALUE")
			for _, k := range keys {
				table.AddRow(k, FormatConfigValue(values[k]))
			}
			table.Render()
			return nil
		},
	}
}

func newChangesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List config changes, newest first",
		Long: `List the config change log of the running daemon. Each entry shows the
value before and after the write and whether auto-apply or an operator made
it. Use "advisor revert <run_id>" to undo what a run applied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			client, err := app.client(cmd)
			if err != nil {
				return err
			}
			changes, err := client.ConfigChanges(cmd.Context(), limit)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsStructured() {
				return output.Structured(changes)
			}
			if len(changes) == 0 {
				output.Dim("No config changes recorded yet")
				return nil
			}
			table := NewTable(output, "APPLIED", "KEY", "BEFORE", "AFTER", "SOURCE", "RUN")
			for _, c := range changes {
				table.AddRow(
					FormatTimestamp(c.AppliedAt),
					c.Key,
					formatLoggedValue(output, c.OldValue),
					formatLoggedValue(output, c.NewValue),
					c.Source,
					c.RunID,
				)
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "number of changes to show")
	return cmd
}

// formatLoggedValue renders a change log value; empty means the key was absent.
func formatLoggedValue(output *Output, v string) string {
	if v == "" {
		return output.ColoredString(ColorDim, "(unset)")
	}
	return FormatConfigValue(json.RawMessage(v))
}

func newRevertCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "revert <run_id>",
		Short: "Undo the config changes a run auto-applied",
		Long: `Restore the values the auto-applied changes of a run replaced. Keys
written again since the run are left alone and listed as superseded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			started, err := utils.IDTime(args[0])
			if err != nil {
				return fmt.Errorf("%q is not a run id: %w", args[0], err)
			}
			client, err := app.client(cmd)
			if err != nil {
				return err
			}
			res, err := client.RevertRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsStructured() {
				return output.Structured(res)
			}
			output.Success("Reverted %d keys of run %s (started %s)", len(res.Reverted), res.RunID, FormatTimestamp(started))
			for _, k := range res.Reverted {
				output.Printf("  %s\n", k)
			}
			if len(res.Superseded) > 0 {
				output.Warning("Left %d keys changed since the run:", len(res.Superseded))
				for _, k := range res.Superseded {
					output.Printf("  %s\n", k)
				}
			}
			return nil
		},
	}
}
