package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd(wire func() (*app, error)) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "creditctl",
		Short:         "Inspect and operate the credit ledger",
		Long:          "creditctl reads balances and ledger history, records payments, charges and refunds, runs maintenance sweeps and applies schema migrations against the configured credit store.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	a, err := wire()
	if err != nil {
		rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
			return err
		}
		return rootCmd
	}
	rootCmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		return a.close()
	}

	rootCmd.AddCommand(
		newBalanceCmd(a),
		newHistoryCmd(a),
		newQuoteCmd(a),
		newChargeCmd(a),
		newRefundCmd(a),
		newPurchaseCmd(a),
		newReconcileCmd(a),
		newMaintenanceCmd(a),
		newMigrateCmd(a),
	)

	return rootCmd
}
