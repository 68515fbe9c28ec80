package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/care-billing/internal/exitcode"
	"github.com/warp/care-billing/internal/logging"
)

var payoutsCmd = &cobra.Command{
	Use:   "payouts",
	Short: "Inspect and repair the payout ledger",
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List (case, physician) pairs with billable physician charges and no payout",
	RunE:  runPending,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Sync a payout for every pending pair",
	RunE:  runReconcile,
}

func init() {
	payoutsCmd.AddCommand(pendingCmd, reconcileCmd)
	rootCmd.AddCommand(payoutsCmd)
}

func runPending(cmd *cobra.Command, args []string) error {
	a := openApp(cmd.Context())
	defer a.close()

	pending, err := a.engine.ListPendingPayouts(cmd.Context())
	if err != nil {
		logging.LogError(a.log, "payouts", "runPending", "scan", err)
		a.close()
		os.Exit(exitcode.BusinessFailure)
	}

	fmt.Println("=== pending payouts ===")
	for _, p := range pending {
		fmt.Printf("  %-16s %-12s %-20s %12s", p.CaseNumber, p.PhysicianID, p.PhysicianName, p.PendingAmount.StringFixed(2))
		if p.UnratedLines > 0 {
			fmt.Printf("  (%d unrated)", p.UnratedLines)
		}
		fmt.Println()
	}
	fmt.Printf("\nPairs pending: %d\n", len(pending))
	return nil
}

func runReconcile(cmd *cobra.Command, args []string) error {
	a := openApp(cmd.Context())
	defer a.close()

	results, err := a.engine.ReconcilePendingPayouts(cmd.Context())
	if err != nil {
		logging.LogError(a.log, "payouts", "runReconcile", "sweep", err)
		a.close()
		os.Exit(exitcode.BusinessFailure)
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("  FAIL %s/%s: %v\n", r.Pending.CaseID, r.Pending.PhysicianID, r.Err)
			continue
		}
		fmt.Printf("  ok   %s/%s -> payout %s (%s)\n",
			r.Pending.CaseID, r.Pending.PhysicianID, r.Payout.ID, r.Payout.DoctorChargeAmount.StringFixed(2))
	}
	fmt.Printf("\nSynced: %d  Failed: %d\n", len(results)-failed, failed)

	if failed > 0 {
		a.close()
		if failed == len(results) {
			os.Exit(exitcode.BusinessFailure)
		}
		os.Exit(exitcode.PartialSuccess)
	}
	return nil
}
