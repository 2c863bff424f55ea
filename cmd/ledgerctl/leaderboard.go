package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/stockschool/papertrade/internal/archive"
	"github.com/stockschool/papertrade/internal/model"
	"github.com/stockschool/papertrade/internal/query"
)

func newLeaderboardCmd(rc *rootConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Inspect published and archived leaderboards",
	}
	cmd.AddCommand(
		newLeaderboardShowCmd(rc),
		newLeaderboardHistoryCmd(rc),
	)
	return cmd
}

func newLeaderboardShowCmd(rc *rootConfig) *cobra.Command {
	var (
		periodStr string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the latest published leaderboard for a period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			period, err := model.ParsePeriod(periodStr)
			if err != nil {
				return err
			}
			st, err := rc.openStore(cmd.Context())
			if err != nil {
				return err
			}

			batch, err := query.NewSurface(st, st, rc.cfg.Ledger.Cash()).GetLeaderboard(cmd.Context(), period, limit)
			if err != nil {
				return err
			}
			if batch.RunID == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "no %s leaderboard published yet\n", period)
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s leaderboard, run %s, computed %s\n",
				period, batch.RunID, batch.ComputedAt.Format(time.RFC3339))
			return printEntries(cmd, batch.Entries)
		},
	}

	cmd.Flags().StringVarP(&periodStr, "period", "p", string(model.PeriodAllTime), "DAILY, WEEKLY, MONTHLY or ALL_TIME")
	cmd.Flags().IntVarP(&limit, "limit", "n", query.DefaultLeaderboardLimit, "number of entries")
	return cmd
}

func newLeaderboardHistoryCmd(rc *rootConfig) *cobra.Command {
	var (
		periodStr string
		since     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history USER_ID",
		Short: "Print a user's archived standings from ClickHouse",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			period, err := model.ParsePeriod(periodStr)
			if err != nil {
				return err
			}
			if rc.cfg.ClickHouse.DSN == "" {
				return fmt.Errorf("CLICKHOUSE_DSN is required")
			}
			if since <= 0 {
				return fmt.Errorf("--since must be positive")
			}

			sink, err := archive.Open(cmd.Context(), rc.cfg.ClickHouse.DSN)
			if err != nil {
				return err
			}
			defer sink.Close()

			entries, err := sink.UserHistory(cmd.Context(), args[0], period, time.Now().Add(-since))
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no archived %s standings for %s\n", period, args[0])
				return nil
			}
			return printEntries(cmd, entries)
		},
	}

	cmd.Flags().StringVarP(&periodStr, "period", "p", string(model.PeriodAllTime), "DAILY, WEEKLY, MONTHLY or ALL_TIME")
	cmd.Flags().DurationVar(&since, "since", 30*24*time.Hour, "how far back to look")
	return cmd
}

func printEntries(cmd *cobra.Command, entries []model.LeaderboardEntry) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "RANK\tUSER\tRETURN %\tWIN %\tTRADES\tVALUE\tCOMPUTED\t")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t\n",
			e.Rank, e.UserID, e.TotalReturn.StringFixed(4), e.WinRate.StringFixed(2),
			e.TradeCount, e.PortfolioValue.StringFixed(2), e.ComputedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
