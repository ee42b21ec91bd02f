package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"docsense/internal/citation"
	"docsense/internal/logging"
	"docsense/internal/retrieval"
	"docsense/internal/types"
)

var (
	askTemplate string
	askHits     bool
	askNoAnswer bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a natural language question over indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.close()

		query := strings.Join(args, " ")
		resp, err := app.engine.Ask(ctx, query, retrieval.Options{
			PinnedTemplate: askTemplate,
			SkipAnswer:     askNoAnswer,
			Source:         string(types.SourceAskAI),
		})
		if err != nil {
			return err
		}

		if resp.Answer != "" {
			fmt.Println(resp.Answer)
			fmt.Println()
		}

		if resp.Answer != "" && resp.Diagnostics.AnswerCited {
			citations, err := app.tracker.Process(resp.QueryID, query, types.SourceAskAI, resp.Answer)
			if err != nil {
				logging.Get(logging.CategoryCitation).Warn("Could not record citations: %v", err)
			} else {
				printCitations(citations)
				if s := citation.Summarize(citations); s.AuditRecommended {
					fmt.Printf("  %d of %d cited values are below the review threshold; consider `docsense audit list`\n",
						s.LowConfidenceCount, len(citations))
				}
			}
		}

		if resp.Aggregation != nil && len(resp.Aggregation.Buckets) > 0 {
			for _, b := range resp.Aggregation.Buckets {
				fmt.Printf("  %-12s %12.2f  (%d documents)\n", b.Label, b.Value, b.Count)
			}
			fmt.Println()
		}

		if askHits || resp.Answer == "" {
			printHits(resp.Hits)
		}
		for _, s := range resp.Suggestions {
			fmt.Printf("  try: %s\n", s)
		}

		d := resp.Diagnostics
		fmt.Printf("\n%d documents matched in %v (intent=%s confidence=%.2f", d.TotalMatches, d.Elapsed.Round(timeRound), d.Intent, d.PlanConfidence)
		if d.UsedLLMRefinement {
			fmt.Print(" refined")
		}
		if d.FuzzyFallbackUsed {
			fmt.Print(" fuzzy")
		}
		if d.CacheHit {
			fmt.Print(" cached")
		}
		fmt.Println(")")
		return nil
	},
}

func printHits(hits []retrieval.DocHit) {
	for _, h := range hits {
		fmt.Printf("  [%d] %s (%s, score %.3f)\n", h.DocumentID, h.Filename, h.TemplateName, h.Score)
		names := make([]string, 0, len(h.Fields))
		for name := range h.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			mark := ""
			if h.Verified[name] {
				mark = " *"
			}
			fmt.Printf("      %s: %s%s\n", name, h.Fields[name], mark)
		}
	}
}

func printCitations(citations []*types.Citation) {
	for _, c := range citations {
		if !c.NeedsAudit {
			continue
		}
		fmt.Printf("  ! %s in document %d was extracted at %.0f%% confidence and is unreviewed\n",
			c.FieldName, c.DocumentID, c.ConfidenceAtCitation*100)
		fmt.Printf("    review it with: docsense audit verify %d\n", c.AuditLink.FieldID)
	}
}

func init() {
	askCmd.Flags().StringVar(&askTemplate, "template", "", "restrict the query to one template name")
	askCmd.Flags().BoolVar(&askHits, "hits", false, "always print matched documents")
	askCmd.Flags().BoolVar(&askNoAnswer, "no-answer", false, "skip LLM answer generation")
}
