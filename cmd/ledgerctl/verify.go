package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stockschool/papertrade/internal/replay"
)

func newVerifyCmd(rc *rootConfig) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay every account's trade log and compare it with stored cash and holdings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := rc.openStore(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := st.Snapshot(cmd.Context())
			if err != nil {
				return err
			}

			rep := replay.VerifySnapshot(rc.cfg.Ledger.Cash(), snap)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "snapshot %s: %d accounts, %d trades\n",
					snap.TakenAt.Format("2006-01-02T15:04:05Z07:00"), rep.Accounts, rep.Trades)
				for _, d := range rep.Discrepancies {
					fmt.Fprintln(out, "  MISMATCH", d.String())
				}
			}

			if !rep.OK() {
				return fmt.Errorf("%d discrepancies found", len(rep.Discrepancies))
			}
			if !asJSON {
				fmt.Fprintln(out, "ledger consistent with trade history")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
