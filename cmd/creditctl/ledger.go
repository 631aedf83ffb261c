package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/DukeRupert/credits/internal/service"
	"github.com/spf13/cobra"
)

func newBalanceCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's available credit",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			var balance *domain.Balance
			err = withRetry(cmd.Context(), func(ctx context.Context) error {
				balance, err = a.credits.GetBalance(ctx, userID)
				return err
			})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(balance)
			}
			printBalance(cmd.OutOrStdout(), balance)
			return nil
		}),
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")

	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var page, size int

	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "List a user's ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			result, err := a.credits.GetTransactions(cmd.Context(), userID, page, size)
			if err != nil {
				return err
			}
			printEntries(cmd.OutOrStdout(), result)
			return nil
		}),
	}

	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&size, "size", 20, "Entries per page")

	return cmd
}

func newQuoteCmd(a *app) *cobra.Command {
	var steps []string

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price a set of steps without charging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := a.prices.Quote(toFeatures(steps))
			if err != nil {
				return err
			}
			printer.Fprintf(cmd.OutOrStdout(), "raw %d  discount %d  cost %d\n", q.RawCost, q.Discount, q.Cost)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&steps, "steps", nil, "Features to price, comma separated")
	_ = cmd.MarkFlagRequired("steps")

	return cmd
}

func newChargeCmd(a *app) *cobra.Command {
	var (
		feature   string
		cost      int64
		steps     []string
		reference string
	)

	cmd := &cobra.Command{
		Use:   "charge <user-id>",
		Short: "Debit credit for a feature use or a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			if (feature == "") == (len(steps) == 0) {
				return errors.New("exactly one of --feature or --steps is required")
			}

			// Charges are not idempotent on the reference, so a failure is
			// reported rather than retried.
			var balance *domain.Balance
			if len(steps) > 0 {
				balance, err = a.credits.ChargeSteps(cmd.Context(), userID, toFeatures(steps), reference)
			} else {
				price := cost
				if price == 0 {
					q, qerr := a.credits.Quote([]domain.Feature{domain.Feature(feature)})
					if qerr != nil {
						return qerr
					}
					price = q.Cost
				}
				balance, err = a.credits.Charge(cmd.Context(), userID, domain.Feature(feature), price, reference)
			}
			if err != nil {
				return err
			}
			printBalance(cmd.OutOrStdout(), balance)
			return nil
		}),
	}

	cmd.Flags().StringVar(&feature, "feature", "", "Feature to charge")
	cmd.Flags().Int64Var(&cost, "cost", 0, "Credits to charge (default: the feature's unit cost)")
	cmd.Flags().StringSliceVar(&steps, "steps", nil, "Pipeline steps, comma separated")
	cmd.Flags().StringVar(&reference, "reference", "", "Reference ID of the operation")
	cmd.MarkFlagsMutuallyExclusive("steps", "cost")
	_ = cmd.MarkFlagRequired("reference")

	return cmd
}

func newRefundCmd(a *app) *cobra.Command {
	var (
		amount    int64
		reference string
	)

	cmd := &cobra.Command{
		Use:   "refund <user-id>",
		Short: "Return credit consumed by a failed operation",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			balance, err := a.credits.Refund(cmd.Context(), userID, amount, reference)
			if err != nil {
				return err
			}
			printBalance(cmd.OutOrStdout(), balance)
			return nil
		}),
	}

	cmd.Flags().Int64Var(&amount, "amount", 0, "Credits to return")
	cmd.Flags().StringVar(&reference, "reference", "", "Reference ID of the charge")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("reference")

	return cmd
}

func newPurchaseCmd(a *app) *cobra.Command {
	var (
		cents     int64
		reference string
	)

	cmd := &cobra.Command{
		Use:   "purchase <user-id>",
		Short: "Record a confirmed credit purchase",
		Long:  "purchase adds the credit package matching the amount paid. Replaying a payment reference adds nothing.",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			var balance *domain.Balance
			err = withRetry(cmd.Context(), func(ctx context.Context) error {
				balance, err = a.credits.AddPurchasedCredits(ctx, userID, cents, reference)
				return err
			})
			if err != nil {
				return err
			}
			printBalance(cmd.OutOrStdout(), balance)
			return nil
		}),
	}

	cmd.Flags().Int64Var(&cents, "cents", 0, "Amount paid in cents")
	cmd.Flags().StringVar(&reference, "reference", "", "Payment reference")
	_ = cmd.MarkFlagRequired("cents")
	_ = cmd.MarkFlagRequired("reference")

	return cmd
}

func newReconcileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile <user-id>...",
		Short: "Compare ledger replay with the materialized balance",
		Args:  cobra.MinimumNArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			mismatched := 0
			for _, raw := range args {
				userID, err := parseUserID(raw)
				if err != nil {
					return err
				}
				var result *service.Reconciliation
				err = withRetry(cmd.Context(), func(ctx context.Context) error {
					result, err = a.credits.Reconcile(ctx, userID)
					return err
				})
				if result == nil {
					return err
				}
				status := "ok"
				if !result.Consistent() {
					status = "MISMATCH"
					mismatched++
				}
				printer.Fprintf(cmd.OutOrStdout(), "%s  ledger %d  balance %d  entries %d  %s\n",
					result.UserID, result.LedgerTotal, result.BalanceTotal, result.Entries, status)
			}
			if mismatched > 0 {
				return fmt.Errorf("%d of %d accounts need manual reconciliation", mismatched, len(args))
			}
			return nil
		}),
	}

	return cmd
}

func toFeatures(raw []string) []domain.Feature {
	features := make([]domain.Feature, len(raw))
	for i, s := range raw {
		features[i] = domain.Feature(s)
	}
	return features
}
