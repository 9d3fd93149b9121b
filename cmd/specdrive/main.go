package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"specdrive/internal/config"
	"specdrive/internal/models"
	"specdrive/internal/orchestrator"
	"specdrive/internal/storage"
	"specdrive/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "specdrive",
		Short: "Spec pipeline orchestration and consensus engine",
		Long:  "Specdrive drives specs through the plan/tasks/implement/validate/audit/unlock pipeline with multi-agent consensus at every stage.",
		RunE:  runTUI,
	}

	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.AddCommand(newAdvanceCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newAbortCommand())
	rootCmd.AddCommand(newContextCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup opens the shared stack. The caller owns the returned storage handle.
func setup(cmd *cobra.Command) (*config.Config, *storage.Storage, *orchestrator.Orchestrator, error) {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, nil, err
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}

	return cfg, store, orchestrator.New(cfg, store, log), nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	_, store, orch, err := setup(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	app := tui.NewApp(orch)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func newAdvanceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <spec-id>",
		Short: "Drive a spec through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specID := args[0]
			fromFlag, _ := cmd.Flags().GetString("from")
			skipFlags, _ := cmd.Flags().GetStringSlice("skip")
			operator, _ := cmd.Flags().GetString("operator")

			opts := orchestrator.AdvanceOptions{Operator: operator}
			if fromFlag != "" {
				stage, err := models.ParseStage(fromFlag)
				if err != nil {
					return err
				}
				opts.From = stage
			}
			for _, s := range skipFlags {
				stage, err := models.ParseStage(s)
				if err != nil {
					return err
				}
				opts.Skip = append(opts.Skip, stage)
			}

			_, store, orch, err := setup(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			progress := make(chan orchestrator.ProgressEvent, 64)
			opts.Progress = progress
			go func() {
				for ev := range progress {
					if ev.Agent != "" {
						fmt.Printf("  [%s] %s: %s\n", ev.Stage, ev.Agent, ev.Note)
					} else {
						fmt.Printf("[%s] %s\n", ev.Stage, ev.Note)
					}
				}
			}()

			result, err := orch.Advance(ctx, specID, opts)
			close(progress)
			if err != nil {
				return err
			}

			fmt.Printf("\nRun #%d finished: %s (stage %s)\n",
				result.Run.ID, result.Run.Status, result.Run.CurrentStage)
			if result.Decision != nil && !result.Decision.Pass {
				for _, v := range result.Decision.Violations {
					fmt.Println("  violation:", v)
				}
			}
			if result.Decision != nil {
				for _, a := range result.Decision.Advisories {
					fmt.Println("  advisory:", a)
				}
			}
			if result.ExitCode != 0 {
				os.Exit(result.ExitCode)
			}
			return nil
		},
	}

	cmd.Flags().String("from", "", "Restart the pipeline at this stage")
	cmd.Flags().StringSlice("skip", nil, "Stages to skip (recorded as overrides)")
	cmd.Flags().String("operator", "", "Operator identity for overrides")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's stages, gates, and invocations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run ID: %w", err)
			}

			_, store, orch, err := setup(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := orch.GetRun(runID)
			if err != nil {
				return fmt.Errorf("get run: %w", err)
			}

			fmt.Printf("Run #%d: %s\n", run.ID, run.SpecID)
			fmt.Printf("Status: %s", run.Status)
			if run.Degraded {
				fmt.Print(" (degraded)")
			}
			fmt.Println()
			fmt.Printf("Stage: %s\n", run.CurrentStage)
			if run.BlockReason != "" {
				fmt.Printf("Blocked: %s\n", run.BlockReason)
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Stage", "Gate", "Class", "Artifact", "Arbiter"})
			for _, stage := range models.StageOrder {
				gateCell := "-"
				classCell := ""
				if d, derr := orch.LatestGateDecision(run.SpecID, stage); derr == nil && d != nil {
					if d.Pass {
						gateCell = "pass"
					} else {
						gateCell = "fail"
					}
					classCell = d.Class
				}
				artifactCell := "-"
				arbiterCell := ""
				if a, aerr := orch.LatestArtifact(run.SpecID, stage); aerr == nil && a != nil {
					artifactCell = fmt.Sprintf("v%d", a.Version)
					if a.Escalated {
						arbiterCell = "escalated"
					} else if a.Arbiter != nil {
						arbiterCell = a.Arbiter.Verdict
						if a.Arbiter.Manual {
							arbiterCell += " (manual: " + a.Arbiter.Operator + ")"
						}
					}
				}
				t.AppendRow(table.Row{stage, gateCell, classCell, artifactCell, arbiterCell})
			}
			t.Render()

			invs, err := orch.InvocationsForRun(runID)
			if err != nil {
				return err
			}
			if len(invs) > 0 {
				fmt.Println("\nInvocations:")
				it := table.NewWriter()
				it.SetOutputMirror(os.Stdout)
				it.AppendHeader(table.Row{"Stage", "Agent", "Status", "Exit"})
				for _, inv := range invs {
					exit := ""
					if inv.ExitCode != nil {
						exit = strconv.Itoa(*inv.ExitCode)
					}
					it.AppendRow(table.Row{inv.Stage, inv.AgentName, inv.Status, exit})
				}
				it.Render()
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, orch, err := setup(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := orch.ListRuns(20)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Spec", "Stage", "Status", "Created"})
			for _, run := range runs {
				status := string(run.Status)
				if run.Degraded {
					status += " (degraded)"
				}
				t.AppendRow(table.Row{
					run.ID, run.SpecID, run.CurrentStage, status,
					run.CreatedAt.Local().Format("2006-01-02 15:04"),
				})
			}
			t.Render()
			return nil
		},
	}
}

func newResolveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <spec-id> <stage> <verdict>",
		Short: "Manually resolve a conflicted or escalated stage",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := models.ParseStage(args[1])
			if err != nil {
				return err
			}
			operator, _ := cmd.Flags().GetString("operator")
			rationale, _ := cmd.Flags().GetString("rationale")
			if operator == "" {
				return fmt.Errorf("--operator is required for manual resolution")
			}

			_, store, orch, err := setup(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			artifact, err := orch.Resolve(args[0], stage, operator, args[2], rationale)
			if err != nil {
				return err
			}
			fmt.Printf("Recorded manual verdict for %s/%s as artifact v%d\n",
				args[0], stage, artifact.Version)
			return nil
		},
	}
	cmd.Flags().String("operator", "", "Operator identity (required)")
	cmd.Flags().String("rationale", "", "Why this verdict was chosen")
	return cmd
}

func newAbortCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort <run-id>",
		Short: "Mark an in-flight run blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run ID: %w", err)
			}
			operator, _ := cmd.Flags().GetString("operator")
			if operator == "" {
				operator = "cli"
			}

			_, store, orch, err := setup(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := orch.Abort(runID, operator); err != nil {
				return err
			}
			fmt.Printf("Aborted run #%d\n", runID)
			return nil
		},
	}
	cmd.Flags().String("operator", "", "Operator identity")
	return cmd
}

func newContextCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage local stage context for a spec",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "put <spec-id> <key> <content>",
		Short: "Write one context entry",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, orch, err := setup(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			return orch.ContextStore().Put(args[0], args[1], args[2])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <spec-id> <key>",
		Short: "Read one context entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, orch, err := setup(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			content, err := orch.ContextStore().Get(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Print(content)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list <spec-id>",
		Short: "List context keys for a spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, orch, err := setup(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			keys, err := orch.ContextStore().List(args[0])
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	})

	return cmd
}
