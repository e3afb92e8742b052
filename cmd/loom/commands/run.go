package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/executors"
	"github.com/loomworks/loom/pkg/policy"
	"github.com/loomworks/loom/pkg/stores"
	"github.com/loomworks/loom/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		maxParallel         int
		checkpointEvery     int
		dryRun              bool
		failFast            bool
		rollbackOnFailure   bool
		interventionMode    string
		interventionTimeout time.Duration
		metricsListen       string
		quiet               bool
	)

	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Execute a workflow plan",
		Long: `Execute a workflow plan from a JSON or YAML file.

The plan is validated, admitted through policy checks, and executed
with dependency-respecting parallelism. Checkpoints are taken before
risky steps and rollback compensates recorded side effects.

Intervention modes for risky and dangerous steps:
  policy  - the decision policy (OPA) decides automatically
  prompt  - ask for a decision on the terminal
  store   - park requests in the database for 'loom resolve'`,
		Example: `  # Execute a plan
  loom run deploy.yaml

  # Simulate without side effects
  loom run deploy.yaml --dry-run

  # Serial execution with checkpoints every step
  loom run deploy.yaml --max-parallel 1 --checkpoint-every 1

  # Ask on the terminal before risky steps
  loom run deploy.yaml --intervention prompt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := tel.Logger.NewComponentLogger("run")

			plan, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}
			logger.WithPlanID(plan.ID).Infof("loaded plan with %d steps", len(plan.Steps))

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			pe, err := newPolicyEngine(ctx)
			if err != nil {
				return err
			}

			// Admission check before anything executes.
			eval, err := pe.EvaluatePlan(ctx, plan)
			if err != nil {
				return err
			}
			for _, v := range eval.Violations {
				printPolicyViolation(v.Severity == policy.SeverityError, v.StepID, v.Message)
			}
			if !eval.Allowed {
				return fmt.Errorf("plan %s rejected by policy", plan.ID)
			}

			zlog := tel.Logger.Zerolog()
			bus := engine.NewEventBus(256, zlog)
			pub := engine.MultiPublisher(bus, store.Events())

			if !quiet {
				startProgressPrinter(bus, plan.ID)
			}
			if metricsListen != "" {
				if err := startMetrics(bus, metricsListen); err != nil {
					return err
				}
			}

			execs := []engine.StepExecutor{
				executors.NewShellExecutor(zlog),
				executors.NoopExecutor{},
			}
			dispatcher := engine.NewStepDispatcher(execs, store.Attempts(), 0, zlog)

			scheduler := engine.NewScheduler(dispatcher, store.Checkpoints(), pub, zlog)
			scheduler.SetDecisionPolicy(pe)
			scheduler.SetRollbackManager(engine.NewRollbackManager(
				store.Checkpoints(),
				[]engine.CompensationHandler{executors.NewExecCompensator(zlog)},
				pub,
				zlog,
			))

			opts := engine.Options{
				MaxParallel:       maxParallel,
				CheckpointEvery:   checkpointEvery,
				DryRun:            dryRun,
				FailFast:          failFast,
				RollbackOnFailure: rollbackOnFailure,
			}

			switch interventionMode {
			case "policy":
				// Decisions stay with the policy engine.
			case "prompt", "store":
				controller := engine.NewInterventionController(interventionTimeout, pe, pub, zlog)
				scheduler.SetInterventionController(controller)
				opts.InterventionEnabled = true
				if interventionMode == "prompt" {
					startPromptResolver(bus, controller, plan.ID)
				} else {
					startStoreResolver(ctx, bus, controller, store, plan.ID)
				}
			default:
				return fmt.Errorf("unknown intervention mode: %s", interventionMode)
			}

			runCtx, span := tel.Tracer.StartSpan(ctx, "run.execute", telemetry.AttrPlanID.String(plan.ID))
			run, runErr := scheduler.Run(runCtx, plan, opts)
			if runErr != nil {
				telemetry.RecordError(span, runErr)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()

			if run != nil {
				if err := store.SaveRun(ctx, run); err != nil {
					logger.WithError(err).Warn("failed to persist run record")
				}
				printRunSummary(run)
			}
			if runErr != nil {
				return runErr
			}
			if run.Status == engine.RunStatusFailed {
				return fmt.Errorf("run %s failed", run.ID)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "maximum concurrently running steps (0 = default)")
	cmd.Flags().IntVar(&checkpointEvery, "checkpoint-every", 0, "checkpoint after every N step completions (0 = risk-based only)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate the run without side effects")
	cmd.Flags().BoolVar(&failFast, "fail-fast", false, "stop dispatching after the first failure")
	cmd.Flags().BoolVar(&rollbackOnFailure, "rollback-on-failure", false, "roll back to the latest checkpoint when the run fails")
	cmd.Flags().StringVar(&interventionMode, "intervention", "policy", "intervention mode (policy, prompt, store)")
	cmd.Flags().DurationVar(&interventionTimeout, "intervention-timeout", 5*time.Minute, "how long to wait for an intervention decision")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "expose Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "suppress progress output")

	return cmd
}

// startProgressPrinter streams run progress to stdout.
func startProgressPrinter(bus *engine.EventBus, planID string) {
	ch, _ := bus.Subscribe(engine.FilterByPlanID(planID))
	go func() {
		for ev := range ch {
			if jsonOutput {
				line, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Println(string(line))
				continue
			}
			fmt.Printf("%s  %-24s %s\n", ev.Timestamp.Format("15:04:05"), ev.Type, ev.Message)
		}
	}()
}

// startMetrics serves Prometheus metrics fed from the event stream.
func startMetrics(bus *engine.EventBus, listen string) error {
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       true,
		ListenAddress: listen,
		Path:          "/metrics",
		Namespace:     "loom",
	})
	if err != nil {
		return err
	}
	if err := m.StartMetricsServer(); err != nil {
		return err
	}
	ch, _ := bus.Subscribe(nil)
	go func() {
		for ev := range ch {
			m.ObserveEvent(&ev)
		}
	}()
	return nil
}

// startPromptResolver answers intervention requests from the terminal.
func startPromptResolver(bus *engine.EventBus, controller *engine.InterventionController, planID string) {
	ch, _ := bus.Subscribe(func(ev *engine.Event) bool {
		return ev.PlanID == planID && ev.Type == engine.EventTypeInterventionRequested
	})
	go func() {
		reader := bufio.NewReader(os.Stdin)
		for ev := range ch {
			requestID, _ := ev.Data["request_id"].(string)
			if requestID == "" {
				continue
			}
			fmt.Printf("\nStep %q needs a decision: %s\n", ev.StepID, ev.Message)
			for {
				fmt.Print("approve/reject/skip> ")
				line, err := reader.ReadString('\n')
				if err != nil {
					_ = controller.Resolve(requestID, engine.ChoiceReject)
					break
				}
				choice := engine.Choice(strings.TrimSpace(strings.ToLower(line)))
				if !choice.Valid() {
					fmt.Printf("unknown choice %q\n", choice)
					continue
				}
				if err := controller.Resolve(requestID, choice); err != nil {
					fmt.Printf("could not resolve: %v\n", err)
				}
				break
			}
		}
	}()
}

// startStoreResolver parks intervention requests in the database and
// applies decisions recorded there by 'loom resolve'.
func startStoreResolver(ctx context.Context, bus *engine.EventBus, controller *engine.InterventionController, store *stores.SQLiteStore, planID string) {
	ch, _ := bus.Subscribe(func(ev *engine.Event) bool {
		return ev.PlanID == planID && ev.Type == engine.EventTypeInterventionRequested
	})
	go func() {
		for ev := range ch {
			requestID, _ := ev.Data["request_id"].(string)
			reason, _ := ev.Data["reason"].(string)
			if requestID == "" {
				continue
			}
			req := &engine.InterventionRequest{
				ID:        requestID,
				PlanID:    ev.PlanID,
				StepID:    ev.StepID,
				Reason:    reason,
				Options:   []engine.Choice{engine.ChoiceApprove, engine.ChoiceReject, engine.ChoiceSkip},
				CreatedAt: ev.Timestamp,
			}
			if err := store.SaveIntervention(ctx, req); err == nil {
				fmt.Printf("intervention pending: resolve with 'loom resolve %s <choice>'\n", requestID)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			resolved, err := store.ListInterventions(ctx, planID, stores.InterventionStatusResolved)
			if err != nil {
				continue
			}
			for _, rec := range resolved {
				if err := controller.Resolve(rec.ID, engine.Choice(rec.Choice)); err == nil {
					_ = store.MarkInterventionApplied(ctx, rec.ID)
				}
			}
		}
	}()
}

func printPolicyViolation(isError bool, stepID, message string) {
	level := "warning"
	if isError {
		level = "error"
	}
	if stepID != "" {
		fmt.Printf("policy %s: step %s: %s\n", level, stepID, message)
		return
	}
	fmt.Printf("policy %s: %s\n", level, message)
}

func printRunSummary(run *engine.Run) {
	if jsonOutput {
		line, err := json.Marshal(run)
		if err == nil {
			fmt.Println(string(line))
		}
		return
	}
	fmt.Printf("\nRun %s: %s in %s\n", run.ID, run.Status, run.Duration.Round(time.Millisecond))
	fmt.Printf("  steps: %d total, %d succeeded, %d failed, %d skipped\n",
		run.Summary.Total, run.Summary.Succeeded, run.Summary.Failed, run.Summary.Skipped)
}
