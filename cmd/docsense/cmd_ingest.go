package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"docsense/internal/pipeline"
)

// timeRound keeps printed durations readable.
const timeRound = time.Millisecond

var ingestTemplate int64

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest documents through the parse/match/extract pipeline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.close()

		var pinned *int64
		if ingestTemplate > 0 {
			pinned = &ingestTemplate
		}
		files := make([]pipeline.FileInput, 0, len(args))
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			files = append(files, pipeline.FileInput{Filename: filepath.Base(path), Data: data, TemplateID: pinned})
		}

		batch, err := app.pipeline.Ingest(ctx, files)
		if err != nil {
			return err
		}

		for _, r := range batch.Succeeded {
			fmt.Printf("  ok   %s (document %d, template %s)\n", r.Filename, r.DocumentID, templateRef(r.TemplateID))
		}
		for _, r := range batch.Failed {
			fmt.Printf("  FAIL %s [%s]: %s\n", r.Filename, r.Code, r.Error)
		}
		fmt.Printf("\n%d succeeded, %d failed in %v\n", len(batch.Succeeded), len(batch.Failed), batch.Elapsed.Round(timeRound))
		fmt.Printf("Matching: %d fast, %d via LLM (est. $%.4f)\n",
			batch.Analytics.FastMatches, batch.Analytics.LLMMatches, batch.Analytics.CostEstimate)
		if len(batch.Failed) > 0 {
			return fmt.Errorf("%d of %d files failed", len(batch.Failed), len(files))
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <document-id>",
	Short: "Resume an errored document from its cached parse result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid document id %q", args[0])
		}

		ctx := cmd.Context()
		app, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.close()

		res, err := app.pipeline.Retry(ctx, docID)
		if err != nil {
			return err
		}
		if res.Code != "" {
			return fmt.Errorf("retry failed [%s]: %s", res.Code, res.Error)
		}
		fmt.Printf("Document %d completed (template %s)\n", res.DocumentID, templateRef(res.TemplateID))
		return nil
	},
}

var assignCmd = &cobra.Command{
	Use:   "assign <document-id> [template-id]",
	Short: "Confirm a suggested template, or pick one for a waiting document",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		docID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid document id %q", args[0])
		}
		var templateID int64
		if len(args) == 2 {
			if templateID, err = strconv.ParseInt(args[1], 10, 64); err != nil {
				return fmt.Errorf("invalid template id %q", args[1])
			}
		}

		ctx := cmd.Context()
		app, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.close()

		res, err := app.pipeline.Assign(ctx, docID, templateID)
		if err != nil {
			return err
		}
		if res.Code != "" {
			return fmt.Errorf("assign failed [%s]: %s", res.Code, res.Error)
		}
		fmt.Printf("Document %d completed (template %s)\n", res.DocumentID, templateRef(res.TemplateID))
		return nil
	},
}

func templateRef(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

func init() {
	ingestCmd.Flags().Int64Var(&ingestTemplate, "template", 0, "pin every file to this template id, skipping the matcher")
}
