package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "Manage local transactions",
}

var txAddCmd = &cobra.Command{
	Use:     "add",
	Short:   "Record a transaction",
	Example: `  yorutsuke tx add --amount 1200 --category food --memo "late dinner"`,
	RunE:    runTxAdd,
}

var txListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the active user's transactions",
	RunE:  runTxList,
}

var txConfirmCmd = &cobra.Command{
	Use:   "confirm <id>",
	Short: "Mark a pending transaction as reviewed",
	Args:  cobra.ExactArgs(1),
	RunE:  runTxConfirm,
}

var txDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a transaction",
	Args:  cobra.ExactArgs(1),
	RunE:  runTxDelete,
}

var (
	txAmount   int64
	txCategory string
	txMemo     string
	txDate     string
)

func init() {
	rootCmd.AddCommand(txCmd)
	txCmd.AddCommand(txAddCmd)
	txCmd.AddCommand(txListCmd)
	txCmd.AddCommand(txConfirmCmd)
	txCmd.AddCommand(txDeleteCmd)

	txAddCmd.Flags().Int64Var(&txAmount, "amount", 0, "Amount in yen (required)")
	txAddCmd.Flags().StringVar(&txCategory, "category", "", "Spending category (required)")
	txAddCmd.Flags().StringVar(&txMemo, "memo", "", "Free-form note")
	txAddCmd.Flags().StringVar(&txDate, "date", "", "Receipt date YYYY-MM-DD (default today)")

	_ = txAddCmd.MarkFlagRequired("amount")
	_ = txAddCmd.MarkFlagRequired("category")
}

func runTxAdd(cmd *cobra.Command, args []string) error {
	date := txDate
	if date == "" {
		date = time.Now().Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("invalid date %q: %w", date, err)
	}

	tx, err := apiClient.AddTransaction(txAmount, txCategory, txMemo, date)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(tx)
	} else {
		printSuccess("Added %s: ¥%d %s", tx.ID, tx.AmountYen, tx.Category)
	}
	return nil
}

func runTxList(cmd *cobra.Command, args []string) error {
	transactions, err := apiClient.ListTransactions()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(transactions)
		return nil
	}

	if len(transactions) == 0 {
		printInfo("No transactions")
		return nil
	}

	for _, tx := range transactions {
		dirty := " "
		if tx.Dirty {
			dirty = "*"
		}
		printInfo("%s %s  %s  ¥%-8d %-10s %-9s %s",
			dirty, tx.ID, tx.Date, tx.AmountYen, tx.Category, tx.Status, tx.Memo)
	}
	return nil
}

func runTxConfirm(cmd *cobra.Command, args []string) error {
	if err := apiClient.ConfirmTransaction(args[0]); err != nil {
		return err
	}
	printSuccess("Confirmed %s", args[0])
	return nil
}

func runTxDelete(cmd *cobra.Command, args []string) error {
	if err := apiClient.DeleteTransaction(args[0]); err != nil {
		return err
	}
	printSuccess("Deleted %s", args[0])
	return nil
}
