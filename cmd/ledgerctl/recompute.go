package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stockschool/papertrade/internal/archive"
	"github.com/stockschool/papertrade/internal/model"
	"github.com/stockschool/papertrade/internal/ranking"
)

func newRecomputeCmd(rc *rootConfig) *cobra.Command {
	var noArchive bool

	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Run the ranking engine once and publish every period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), rc.cfg.Ranking.Timeout)
			defer cancel()

			st, err := rc.openStore(ctx)
			if err != nil {
				return err
			}

			var opts []ranking.Option
			if rc.cfg.ClickHouse.DSN != "" && !noArchive {
				sink, err := archive.Open(ctx, rc.cfg.ClickHouse.DSN)
				if err != nil {
					slog.Warn("archive unavailable, publishing without it", "err", err)
				} else {
					defer sink.Close()
					opts = append(opts, ranking.WithArchiver(sink))
				}
			}

			run, err := ranking.NewEngine(st, st, rc.cfg.Ledger.Cash(), opts...).Run(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s at %s over %d accounts\n", run.ID, run.ComputedAt.Format("2006-01-02T15:04:05Z07:00"), run.Accounts)
			for _, p := range model.Periods {
				for _, b := range run.Batches {
					if b.Period == p {
						fmt.Fprintf(out, "  %-9s %d entries\n", p, len(b.Entries))
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noArchive, "no-archive", false, "skip the ClickHouse archive even when configured")
	return cmd
}
