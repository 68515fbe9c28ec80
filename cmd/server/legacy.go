package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/care-billing/billing"
	"github.com/warp/care-billing/internal/exitcode"
	"github.com/warp/care-billing/internal/logging"
)

var legacyCaseID string

var legacyCmd = &cobra.Command{
	Use:   "legacy",
	Short: "Legacy physician-charge store maintenance",
}

var legacyMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move a case's legacy physician charges onto the unified charge ledger",
	RunE:  runLegacyMigrate,
}

func init() {
	legacyMigrateCmd.Flags().StringVar(&legacyCaseID, "case", "", "Case id to migrate (required)")
	legacyCmd.AddCommand(legacyMigrateCmd)
	rootCmd.AddCommand(legacyCmd)
}

func runLegacyMigrate(cmd *cobra.Command, args []string) error {
	if legacyCaseID == "" {
		fmt.Fprintln(os.Stderr, "--case is required")
		os.Exit(exitcode.UsageError)
	}

	a := openApp(cmd.Context())
	defer a.close()

	n, err := a.engine.MigrateLegacyCharges(cmd.Context(), billing.CaseID(legacyCaseID), billing.System)
	if err != nil {
		logging.LogError(a.log, "legacy", "runLegacyMigrate", legacyCaseID, err)
		a.close()
		if billing.IsClientError(err) || billing.IsBusinessRejection(err) {
			os.Exit(exitcode.BusinessFailure)
		}
		os.Exit(exitcode.DBConnError)
	}

	fmt.Printf("Migrated %d legacy physician charge(s) for case %s\n", n, legacyCaseID)
	return nil
}
