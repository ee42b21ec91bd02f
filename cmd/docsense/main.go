package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"docsense/internal/config"
	"docsense/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Loaded in PersistentPreRunE, shared by every command.
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "docsense",
	Short: "docsense - template-driven document intelligence",
	Long: `docsense ingests business documents, matches them against field
templates, extracts and validates their fields, and answers natural
language questions over the result with field-level citations.

Typical flow:

  docsense ingest invoices/*.pdf
  docsense ask "total invoiced by Acme Corp this quarter"
  docsense audit list
  docsense audit verify 42 --action incorrect --value "$1,450.00"`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := logging.Initialize(cfg.Logging.Verbose || verbose); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		for _, c := range cfg.Logging.DisabledCategories {
			logging.SetCategoryEnabled(logging.Category(c), false)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "docsense.yaml", "path to config file")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(assignCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(canonicalCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
