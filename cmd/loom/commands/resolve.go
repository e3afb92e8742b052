package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/stores"
)

func newResolveCommand() *cobra.Command {
	var (
		list   bool
		planID string
	)

	cmd := &cobra.Command{
		Use:   "resolve [request-id] [choice]",
		Short: "Answer a pending intervention request",
		Long: `Answer an intervention request parked in the database by a run
started with --intervention store. The running scheduler picks the
decision up and resumes the suspended step.

Choices:
  approve - dispatch the step
  reject  - fail the step without dispatching it
  skip    - mark the step skipped; dependents still run`,
		Example: `  # See what is waiting for a decision
  loom resolve --list

  # Approve a request
  loom resolve 4f1c22ab-... approve`,
		Args: cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if list || len(args) == 0 {
				return printPendingInterventions(cmd, store, planID)
			}
			if len(args) != 2 {
				return fmt.Errorf("usage: loom resolve <request-id> <approve|reject|skip>")
			}

			choice := engine.Choice(strings.ToLower(args[1]))
			if err := store.ResolveIntervention(ctx, args[0], choice); err != nil {
				return err
			}
			fmt.Printf("request %s resolved: %s\n", args[0], choice)
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list pending intervention requests")
	cmd.Flags().StringVar(&planID, "plan", "", "only show requests for this plan")

	return cmd
}

func printPendingInterventions(cmd *cobra.Command, store *stores.SQLiteStore, planID string) error {
	records, err := store.ListInterventions(cmd.Context(), planID, stores.InterventionStatusPending)
	if err != nil {
		return err
	}
	if jsonOutput {
		line, err := json.Marshal(records)
		if err != nil {
			return err
		}
		fmt.Println(string(line))
		return nil
	}
	if len(records) == 0 {
		fmt.Println("no pending interventions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REQUEST\tPLAN\tSTEP\tREQUESTED\tREASON")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.PlanID, r.StepID, r.RequestedAt.Format("15:04:05"), r.Reason)
	}
	return w.Flush()
}
