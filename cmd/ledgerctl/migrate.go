package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stockschool/papertrade/internal/store"
)

func newMigrateCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := rc.connect(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
