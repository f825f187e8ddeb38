package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [worker...]",
		Short: "Remove leftover containers of the configured workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService(defaultDialer, LoggerFrom(cmd.Context()))
			if err != nil {
				return err
			}
			return reconcileAll(cmd.Context(), svc.pool, args, func(name string, removed int) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d removed\n", name, removed)
			})
		},
	}
}
