package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/opd-ai/filedrop/history"
	"github.com/spf13/cobra"
)

var (
	historyDB    string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List received files",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyDB, "db", defaultHistoryPath(), "History database path")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Show at most this many recent transfers (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyDB == "" {
		return errNoHistory
	}
	ledger, err := history.Open(historyDB)
	if err != nil {
		return err
	}
	defer ledger.Close()

	records, err := ledger.List(historyLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no transfers recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPLETED\tFILE\tSIZE\tCHUNKS\tFROM\tPATH")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			r.CompletedAt.Local().Format(time.DateTime), r.FileName, r.Size, r.Chunks, r.Remote, r.Path)
	}
	return w.Flush()
}
