package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Validate a workflow plan",
		Long: `Validate a workflow plan without executing it.

This command checks:
  - JSON/YAML syntax and structural constraints
  - Duplicate, dangling, and self-referencing dependencies
  - Dependency cycles
  - Step kinds against the builtin executors
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate a plan
  loom validate deploy.yaml

  # Re-validate whenever the file changes
  loom validate deploy.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path := args[0]

			pe, err := newPolicyEngine(ctx)
			if err != nil {
				return err
			}

			if !watch {
				return validatePlanFile(ctx, path, pe)
			}

			if err := validatePlanFile(ctx, path, pe); err != nil {
				fmt.Printf("invalid: %v\n", err)
			}
			return watchPlanFile(ctx, path, pe)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "re-validate when the plan file changes")

	return cmd
}

func validatePlanFile(ctx context.Context, path string, pe *policy.Engine) error {
	plan, err := loadPlanFile(path)
	if err != nil {
		return err
	}

	validator := engine.NewValidator(knownKinds())
	result := validator.Validate(plan)
	for _, v := range result.Violations {
		if v.StepID != "" {
			fmt.Printf("invalid: step %s: %s (%s)\n", v.StepID, v.Message, v.Code)
		} else {
			fmt.Printf("invalid: %s (%s)\n", v.Message, v.Code)
		}
	}
	if !result.Valid {
		return fmt.Errorf("plan %s has %d violations", plan.ID, len(result.Violations))
	}

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

	fmt.Printf("plan %s is valid (%d steps)\n", plan.ID, len(plan.Steps))
	return nil
}

// watchPlanFile re-validates the plan on every change until the
// context is cancelled. The parent directory is watched because many
// editors replace the file on save.
func watchPlanFile(ctx context.Context, path string, pe *policy.Engine) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	fmt.Printf("watching %s\n", path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != abs || !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if err := validatePlanFile(ctx, path, pe); err != nil {
				fmt.Printf("invalid: %v\n", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Printf("watcher error: %v\n", err)
		}
	}
}
