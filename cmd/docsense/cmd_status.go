package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"docsense/internal/types"
)

var (
	statusFilter string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show documents and store counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.close()

		docs, err := app.store.ListDocuments(types.DocumentStatus(statusFilter), statusLimit)
		if err != nil {
			return err
		}
		for _, d := range docs {
			line := fmt.Sprintf("  %-5d %-18s %s", d.ID, d.Status, d.Filename)
			if d.ErrorMessage != "" {
				line += "  (" + d.ErrorMessage + ")"
			}
			fmt.Println(line)
		}
		if len(docs) == 0 {
			fmt.Println("No documents.")
		}

		stats, err := app.store.GetStats()
		if err != nil {
			return err
		}
		tables := make([]string, 0, len(stats))
		for t := range stats {
			tables = append(tables, t)
		}
		sort.Strings(tables)
		fmt.Println()
		for _, t := range tables {
			fmt.Printf("  %-28s %d\n", t, stats[t])
		}
		fmt.Printf("  %-28s %d\n", "indexed_documents", app.index.Size())
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "filter by document status")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 50, "maximum documents to list")
}
