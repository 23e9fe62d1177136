package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ganamos/backend/internal/models"
	"github.com/ganamos/backend/internal/services"
	"github.com/spf13/cobra"
)

var (
	fixBalances bool
	olderThan   time.Duration
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Offline ledger consistency checks",
}

var auditBalancesCmd = &cobra.Command{
	Use:   "balances",
	Short: "Report profiles whose balance differs from their completed transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		ledger := services.NewLedgerService(db)
		rows, err := ledger.AuditBalances(ctx)
		if err != nil {
			return err
		}
		printDiscrepancies(cmd.OutOrStdout(), rows)

		if !fixBalances {
			return nil
		}
		for _, d := range rows {
			if err := ledger.SetBalance(ctx, d.UserID, d.CalculatedTotal); err != nil {
				return fmt.Errorf("fix %s: %w", d.UserID, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "fixed %d balance(s)\n", len(rows))
		return nil
	},
}

var auditStaleCmd = &cobra.Command{
	Use:   "stale-withdrawals",
	Short: "List withdrawals stuck in pending",
	Long: `Lists withdrawals still pending after --older-than. These may have
been paid on the Lightning node without the balance being debited and
need manual reconciliation against the node's payment history.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		txs, err := services.NewLedgerService(db).StalePendingWithdrawals(ctx, olderThan)
		if err != nil {
			return err
		}
		printStale(cmd.OutOrStdout(), txs)
		return nil
	},
}

func printDiscrepancies(out io.Writer, rows []models.BalanceDiscrepancy) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "all balances match")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tEMAIL\tBALANCE\tCALCULATED\tDIFF")
	for _, d := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", d.UserID, d.Email, d.Balance, d.CalculatedTotal, d.Difference)
	}
	tw.Flush()
}

func printStale(out io.Writer, txs []models.Transaction) {
	if len(txs) == 0 {
		fmt.Fprintln(out, "no stale withdrawals")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRANSACTION\tUSER\tAMOUNT\tUPDATED")
	for _, tx := range txs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", tx.ID, tx.UserID, tx.Amount, tx.UpdatedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func init() {
	auditBalancesCmd.Flags().BoolVar(&fixBalances, "fix", false, "overwrite balances with the calculated total")
	auditStaleCmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "minimum age of a pending withdrawal")
	auditCmd.AddCommand(auditBalancesCmd, auditStaleCmd)
	rootCmd.AddCommand(auditCmd)
}
