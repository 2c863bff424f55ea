package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stockschool/papertrade/internal/ticker"
	"github.com/stockschool/papertrade/internal/trade"
)

func newAccountCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage trading accounts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create USER_ID...",
		Short: "Open accounts with the configured starting cash",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rc.openStore(cmd.Context())
			if err != nil {
				return err
			}
			exec := trade.NewExecutor(st, ticker.NewRegistry(rc.cfg.Ledger.ReservedTickers), rc.cfg.Ledger.Cash())

			for _, userID := range args {
				acct, err := exec.OpenAccount(cmd.Context(), userID)
				if err != nil {
					return fmt.Errorf("%s: %w", userID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "opened %s with %s\n", acct.UserID, acct.Cash.StringFixed(2))
			}
			return nil
		},
	})
	return cmd
}
