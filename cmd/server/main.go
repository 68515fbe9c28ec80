/*
main.go - Application entry point

PURPOSE:
  Entry point for the care-billing binary. All behaviour lives in cobra
  subcommands:

    serve                 Run the HTTP API
    payouts pending       Print (case, physician) pairs with no payout yet
    payouts reconcile     Sync every pending pair
    legacy migrate        Move a case's legacy physician charges to the ledger

CONFIGURATION (lowest to highest precedence):
  1. Built-in defaults
  2. YAML file (--config)
  3. .env and environment: BILLING_DB, REDIS_ADDRESS, BILLING_ADMIN_USERS
  4. Command-line flags

EXIT CODES:
  See internal/exitcode. A reconcile run that syncs some pairs but not all
  exits with PartialSuccess.

SEE ALSO:
  - root.go: Persistent flags and config loading
  - serve.go: HTTP server and graceful shutdown
*/
package main

import (
	"os"

	"github.com/warp/care-billing/internal/exitcode"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitcode.UsageError)
	}
}
