package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/pkg/engine"
)

func newCheckpointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect stored checkpoints",
	}

	cmd.AddCommand(newCheckpointsListCommand())
	cmd.AddCommand(newCheckpointsShowCommand())

	return cmd
}

func newCheckpointsListCommand() *cobra.Command {
	var planID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints for a plan",
		Example: `  # List checkpoints, oldest first
  loom checkpoints list --plan deploy-web`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			metas, err := store.Checkpoints().List(ctx, planID)
			if err != nil {
				return err
			}
			if jsonOutput {
				line, err := json.Marshal(metas)
				if err != nil {
					return err
				}
				fmt.Println(string(line))
				return nil
			}
			if len(metas) == 0 {
				fmt.Println("no checkpoints")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tREASON")
			for _, m := range metas {
				fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.CreatedAt.Format("2006-01-02 15:04:05"), m.Reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&planID, "plan", "", "plan ID")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}

func newCheckpointsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <checkpoint-id>",
		Short: "Show a checkpoint and verify its integrity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			cp, err := store.Checkpoints().Get(ctx, args[0])
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(cp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if err := engine.VerifyCheckpoint(cp); err != nil {
				return fmt.Errorf("integrity check failed: %w", err)
			}
			if !jsonOutput {
				fmt.Println("integrity: ok")
			}
			return nil
		},
	}
}
