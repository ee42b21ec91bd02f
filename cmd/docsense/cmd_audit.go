package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"docsense/internal/store"
	"docsense/internal/types"
)

var (
	auditPriority string
	auditTemplate int64
	auditPage     int
	auditSize     int

	auditAction   string
	auditValue    string
	auditNotes    string
	auditReviewer string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Review extracted fields flagged for human verification",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the audit queue, most urgent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.close()

		filter := store.AuditFilter{}
		if auditPriority != "" {
			p, err := parsePriority(auditPriority)
			if err != nil {
				return err
			}
			filter.Priority = &p
		}
		if auditTemplate > 0 {
			filter.TemplateID = &auditTemplate
		}

		page, err := app.audit.List(filter, auditPage, auditSize)
		if err != nil {
			return err
		}
		if page.Total == 0 {
			fmt.Println("Audit queue is empty.")
			return nil
		}

		for _, f := range page.Items {
			value := f.EffectiveText()
			if value == "" {
				value = "(null)"
			}
			fmt.Printf("  %-6d %-10s doc %-5d %-24s %-24q conf %.2f\n",
				f.ID, priorityLabel(f.AuditPriority), f.DocumentID, f.FieldName, value, f.Confidence)
			for _, e := range f.ValidationErrors {
				fmt.Printf("         %s\n", e)
			}
		}
		fmt.Printf("\n%d pending (critical %d, high %d, medium %d)\n", page.Total,
			page.PriorityCounts[types.PriorityCritical],
			page.PriorityCounts[types.PriorityHigh],
			page.PriorityCounts[types.PriorityMedium])
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <field-id>",
	Short: "Record a review verdict for one field",
	Long: `Record a review verdict for one extracted field.

Actions:
  correct    the extracted value is right as-is
  incorrect  the value is wrong; supply the fix with --value
  not_found  the field does not appear in the document`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fieldID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid field id %q", args[0])
		}
		action := types.VerifyAction(auditAction)
		switch action {
		case types.VerifyCorrect, types.VerifyIncorrect, types.VerifyNotFound:
		default:
			return fmt.Errorf("unknown action %q, want correct, incorrect, or not_found", auditAction)
		}
		if action == types.VerifyIncorrect && auditValue == "" {
			return fmt.Errorf("--value is required with --action incorrect")
		}

		ctx := cmd.Context()
		app, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.close()

		res, err := app.audit.Verify(ctx, fieldID, action, auditValue, auditNotes, auditReviewer)
		if err != nil {
			return err
		}

		fmt.Printf("Field %d (%s) marked %s\n", res.Field.ID, res.Field.FieldName, action)
		if res.Field.VerifiedValue != "" {
			fmt.Printf("  corrected value: %s\n", res.Field.VerifiedValue)
		}
		if res.Next != nil {
			fmt.Printf("Next in queue: field %d (%s, doc %d, conf %.2f)\n",
				res.Next.ID, res.Next.FieldName, res.Next.DocumentID, res.Next.Confidence)
		} else {
			fmt.Println("Audit queue is empty.")
		}
		return nil
	},
}

func parsePriority(s string) (types.AuditPriority, error) {
	switch strings.ToLower(s) {
	case "critical":
		return types.PriorityCritical, nil
	case "high":
		return types.PriorityHigh, nil
	case "medium":
		return types.PriorityMedium, nil
	case "low":
		return types.PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q, want critical, high, medium, or low", s)
}

func priorityLabel(p types.AuditPriority) string {
	switch p {
	case types.PriorityCritical:
		return "critical"
	case types.PriorityHigh:
		return "high"
	case types.PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

func init() {
	auditListCmd.Flags().StringVar(&auditPriority, "priority", "", "filter by priority (critical, high, medium, low)")
	auditListCmd.Flags().Int64Var(&auditTemplate, "template", 0, "filter by template id")
	auditListCmd.Flags().IntVar(&auditPage, "page", 0, "page number")
	auditListCmd.Flags().IntVar(&auditSize, "size", 20, "page size")

	auditVerifyCmd.Flags().StringVar(&auditAction, "action", "correct", "verdict: correct, incorrect, not_found")
	auditVerifyCmd.Flags().StringVar(&auditValue, "value", "", "corrected value (with --action incorrect)")
	auditVerifyCmd.Flags().StringVar(&auditNotes, "notes", "", "reviewer notes")
	auditVerifyCmd.Flags().StringVar(&auditReviewer, "reviewer", "cli", "reviewer id recorded on the verification")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
}
