package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/executors"
	"github.com/loomworks/loom/pkg/stores"
	"github.com/loomworks/loom/pkg/telemetry"
)

func newRollbackCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <checkpoint-id>",
		Short: "Roll back to a checkpoint",
		Long: `Roll back execution state to a stored checkpoint.

Side effects recorded after the checkpoint are compensated in reverse
order using their undo actions. Compensation failures do not stop the
rollback; the result is reported as partial.`,
		Example: `  # Roll back to a checkpoint listed by 'loom checkpoints list'
  loom rollback 3a7f9c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := tel.Logger.NewComponentLogger("rollback")

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			zlog := tel.Logger.Zerolog()
			bus := engine.NewEventBus(64, zlog)
			pub := engine.MultiPublisher(bus, store.Events())

			target, err := store.Checkpoints().Get(ctx, args[0])
			if err != nil {
				return err
			}

			effects, err := latestEffects(ctx, store, target)
			if err != nil {
				return err
			}

			manager := engine.NewRollbackManager(
				store.Checkpoints(),
				[]engine.CompensationHandler{executors.NewExecCompensator(zlog)},
				pub,
				zlog,
			)

			ctx, span := tel.Tracer.StartRollbackSpan(ctx, target.ID)
			result, err := manager.Rollback(ctx, target, effects)
			if err != nil {
				telemetry.RecordError(span, err)
			}
			span.End()
			if err != nil && result == nil {
				return err
			}

			if jsonOutput {
				line, merr := json.Marshal(result)
				if merr == nil {
					fmt.Println(string(line))
				}
			} else {
				fmt.Printf("rolled back to %s: %d actions compensated", result.CheckpointID, len(result.Compensated))
				if result.Partial {
					fmt.Print(" (partial)")
				}
				fmt.Println()
			}
			logger.WithPlanID(target.PlanID).Infof("rollback finished in %s", result.Duration)
			return err
		},
	}

	return cmd
}

// latestEffects reconstructs the plan's full side-effect log: the log
// snapshot at the plan's newest checkpoint, plus any effects the
// attempt records show were committed after that checkpoint was taken.
func latestEffects(ctx context.Context, store *stores.SQLiteStore, target *engine.Checkpoint) ([]engine.CompensatingAction, error) {
	latest := target
	metas, err := store.Checkpoints().List(ctx, target.PlanID)
	if err != nil {
		return nil, err
	}
	if len(metas) > 0 {
		latest, err = store.Checkpoints().Get(ctx, metas[len(metas)-1].ID)
		if err != nil {
			return nil, err
		}
	}

	attempts, err := store.ListPlanAttempts(ctx, target.PlanID)
	if err != nil {
		return nil, err
	}
	var tail []engine.CompensatingAction
	for _, at := range attempts {
		if at.Result == nil {
			continue
		}
		for _, effect := range at.Result.SideEffects {
			if effect.RecordedAt.After(latest.CreatedAt) {
				tail = append(tail, effect)
			}
		}
	}
	sort.Slice(tail, func(i, j int) bool { return tail[i].RecordedAt.Before(tail[j].RecordedAt) })

	effects := make([]engine.CompensatingAction, 0, len(latest.SideEffects)+len(tail))
	effects = append(effects, latest.SideEffects...)
	return append(effects, tail...), nil
}
