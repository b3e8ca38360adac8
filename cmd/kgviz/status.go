package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/changshengEVA/M-Agent/internal/history"
	"github.com/changshengEVA/M-Agent/internal/record"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show data directory and reconcile history status",
	Long: `Display the current state of the sync backend's inputs and history.

Shows:
  - Data directory location and record file count
  - History database location and size
  - Recent reconcile passes (outcome, version, counts, duration)`,
	Run: func(cmd *cobra.Command, args []string) {
		dataDir := viper.GetString("data-dir")
		historyPath := viper.GetString("history-db")

		fmt.Printf("\nData directory: %s\n", dataDir)
		entries, err := os.ReadDir(dataDir)
		if err != nil {
			fmt.Printf("  (unreadable: %v)\n", err)
		} else {
			count := 0
			for _, e := range entries {
				if !e.IsDir() && record.IsRecordFile(e.Name()) {
					count++
				}
			}
			fmt.Printf("  Record files: %d\n", count)
		}

		if historyPath == "" {
			fmt.Println("\nReconcile history: disabled")
			return
		}

		info, err := os.Stat(historyPath)
		if os.IsNotExist(err) {
			fmt.Printf("\nReconcile history: not initialized (%s)\n", historyPath)
			fmt.Println("  Run 'kgviz serve' to start recording passes")
			return
		}

		store, err := history.Open(historyPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening history database: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		if err := store.InitSchema(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading history database: %v\n", err)
			os.Exit(1)
		}

		total, err := store.Count()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading history database: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nReconcile history: %s (%d KB, %d passes)\n",
			historyPath, info.Size()/1024, total)

		recent, err := store.Recent(10)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading history database: %v\n", err)
			os.Exit(1)
		}

		if len(recent) == 0 {
			return
		}

		fmt.Println("\nRecent passes:")
		for _, e := range recent {
			line := fmt.Sprintf("  %s  v%-4d %-7s %s",
				e.CreatedAt.Local().Format(time.DateTime), e.Version, e.Outcome, e.ChangeType)
			if e.File != "" {
				line += " " + e.File
			}
			switch e.Outcome {
			case history.OutcomeApplied:
				line += fmt.Sprintf("  (+%d ~%d -%d, %d nodes, %d edges, %v)",
					e.Added, e.Updated, e.Removed, e.Nodes, e.Edges, e.Duration)
			case history.OutcomeFailed:
				line += fmt.Sprintf("  (%s)", e.Error)
			}
			fmt.Println(line)
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
