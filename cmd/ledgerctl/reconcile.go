package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coinvest/ledger-engine/internal/reconcile"
	"github.com/coinvest/ledger-engine/internal/store"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Audit every balance against its ledger and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			report, err := reconcile.NewAuditor(store.NewPostgresStore(pool)).Run(ctx)
			if err != nil {
				return err
			}
			return printReport(cmd, report)
		},
	}
}

func printReport(cmd *cobra.Command, report *reconcile.Report) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("%d mismatches found", len(report.Mismatches))
	}
	return nil
}
