package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatesCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "states",
		Short: "Maintain OAuth2 CSRF states",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired, unconsumed states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := store.CleanupExpiredStates(cmd.Context())
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return opts.printJSON(cmd.OutOrStdout(), map[string]int{"deleted": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired states\n", n)
			return nil
		},
	})
	return cmd
}
