// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pdiddy/thesis-engine/internal/credit"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and reconcile the extraction credit quota",
}

func openGate(cmd *cobra.Command) (*credit.Gate, error) {
	knowledgeDir, _ := cmd.Flags().GetString("knowledge-dir")
	userID, _ := rootCmd.PersistentFlags().GetString("user")
	return credit.NewGate(creditConfig(knowledgeDir), userID, os.Stderr)
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print the remaining credit balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, err := openGate(cmd)
		if err != nil {
			return err
		}
		defer gate.Close()

		fmt.Printf("%d credits remaining (stage cost %d)\n", gate.Balance(), gate.StageCost())
		return nil
	},
}

var creditsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the recent debit history",
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, err := openGate(cmd)
		if err != nil {
			return err
		}
		defer gate.Close()

		history := gate.History()
		if len(history) == 0 {
			fmt.Println("no debits recorded")
			return nil
		}
		for _, rec := range history {
			status := "ok"
			if !rec.Success {
				status = "refused"
			}
			fmt.Printf("%s  %-20s %3d  %s\n",
				rec.Timestamp.Format("2006-01-02 15:04:05"), rec.Action, rec.Cost, status)
		}
		return nil
	},
}

var creditsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Adopt the remote ledger's balance locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		gate, err := openGate(cmd)
		if err != nil {
			return err
		}
		defer gate.Close()

		if err := gate.Sync(context.Background()); err != nil {
			return err
		}
		fmt.Printf("synced: %d credits remaining\n", gate.Balance())
		return nil
	},
}

func init() {
	creditsCmd.PersistentFlags().String("knowledge-dir", "knowledge", "base directory for knowledge (holds the local ledger)")

	creditsCmd.AddCommand(creditsBalanceCmd)
	creditsCmd.AddCommand(creditsHistoryCmd)
	creditsCmd.AddCommand(creditsSyncCmd)
	rootCmd.AddCommand(creditsCmd)
}
