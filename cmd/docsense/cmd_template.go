package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"docsense/internal/store"
	"docsense/internal/types"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage document templates",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.close()

		templates, err := app.store.ListTemplates()
		if err != nil {
			return err
		}
		if len(templates) == 0 {
			fmt.Println("No templates defined. Create one with: docsense template create <file.yaml>")
			return nil
		}
		for _, t := range templates {
			fmt.Printf("  %-4d %-24s %-16s %d fields (signature v%d)\n",
				t.ID, t.Name, t.Kind, len(t.Fields), t.SignatureVersion)
		}
		return nil
	},
}

var templateShowCmd = &cobra.Command{
	Use:   "show <template-id>",
	Short: "Show one template's field schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid template id %q", args[0])
		}

		app, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.close()

		t, err := app.store.GetTemplate(id)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", t.Name, t.Kind)
		for _, f := range t.Fields {
			req := ""
			if f.Required {
				req = "  required"
			}
			fmt.Printf("  %-24s %-18s%s\n", f.Name, f.Type, req)
			if f.Description != "" {
				fmt.Printf("      %s\n", f.Description)
			}
			if len(f.ExtractionHints) > 0 {
				fmt.Printf("      hints: %s\n", strings.Join(f.ExtractionHints, ", "))
			}
		}
		return nil
	},
}

// templateFile is the YAML schema accepted by `template create`.
type templateFile struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"`
	SampleText string `yaml:"sample_text"`
	Fields     []struct {
		Name                string   `yaml:"name"`
		Type                string   `yaml:"type"`
		Required            bool     `yaml:"required"`
		Description         string   `yaml:"description"`
		ExtractionHints     []string `yaml:"extraction_hints"`
		ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	} `yaml:"fields"`
}

var templateCreateCmd = &cobra.Command{
	Use:   "create <file.yaml>",
	Short: "Create a template from a YAML definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var tf templateFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		tpl := &types.Template{
			Name:       tf.Name,
			Kind:       types.TemplateKind(tf.Kind),
			SampleText: tf.SampleText,
		}
		for _, f := range tf.Fields {
			tpl.Fields = append(tpl.Fields, types.FieldSpec{
				Name:                f.Name,
				Type:                types.FieldType(f.Type),
				Required:            f.Required,
				Description:         f.Description,
				ExtractionHints:     f.ExtractionHints,
				ConfidenceThreshold: f.ConfidenceThreshold,
			})
		}

		app, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.close()

		created, err := app.store.CreateTemplate(tpl)
		if err != nil {
			return err
		}
		app.index.IndexTemplateSignature(created.Signature())
		fmt.Printf("Template %d (%s) created with %d fields\n", created.ID, created.Name, len(created.Fields))
		return nil
	},
}

var templateUpdateCmd = &cobra.Command{
	Use:   "update <template-id> <file.yaml>",
	Short: "Replace a template's field schema from a YAML definition",
	Long: `Replace a template's field schema. The signature version bumps and the
signature index entry is rebuilt immediately; already extracted documents
keep their stored fields.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid template id %q", args[0])
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		var tf templateFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return fmt.Errorf("parse %s: %w", args[1], err)
		}

		fields := make([]types.FieldSpec, 0, len(tf.Fields))
		for _, f := range tf.Fields {
			fields = append(fields, types.FieldSpec{
				Name:                f.Name,
				Type:                types.FieldType(f.Type),
				Required:            f.Required,
				Description:         f.Description,
				ExtractionHints:     f.ExtractionHints,
				ConfidenceThreshold: f.ConfidenceThreshold,
			})
		}

		app, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.close()

		updated, err := app.store.UpdateTemplateFields(id, fields)
		if err != nil {
			return err
		}
		app.index.IndexTemplateSignature(updated.Signature())
		fmt.Printf("Template %d (%s) now at signature v%d with %d fields\n",
			updated.ID, updated.Name, updated.SignatureVersion, len(updated.Fields))
		return nil
	},
}

var (
	canonicalAgg      string
	canonicalAliases  []string
	canonicalMappings []string
)

var canonicalCmd = &cobra.Command{
	Use:   "canonical",
	Short: "Manage cross-template canonical field names",
}

var canonicalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List user-defined canonical mappings",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.close()

		mappings, err := app.store.ListCanonicalMappings()
		if err != nil {
			return err
		}
		for _, m := range mappings {
			fmt.Printf("  %-20s (%s)\n", m.CanonicalName, m.AggregationType)
			for tpl, field := range m.FieldMappings {
				fmt.Printf("      %s -> %s\n", tpl, field)
			}
			if len(m.Aliases) > 0 {
				fmt.Printf("      aliases: %s\n", strings.Join(m.Aliases, ", "))
			}
		}
		return nil
	},
}

var canonicalSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Define or replace a canonical field mapping",
	Long: `Define a cross-template canonical name and bind it to concrete fields,
one --map Template=field_name per template. Queries using the canonical
name (or any alias) expand to the mapped fields.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := make(map[string]string, len(canonicalMappings))
		for _, m := range canonicalMappings {
			tpl, field, ok := strings.Cut(m, "=")
			if !ok {
				return fmt.Errorf("invalid --map %q, want Template=field_name", m)
			}
			fields[tpl] = field
		}
		if len(fields) == 0 {
			return fmt.Errorf("at least one --map Template=field_name is required")
		}

		app, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.close()

		if err := app.store.UpsertCanonicalMapping(&store.CanonicalMapping{
			CanonicalName:   args[0],
			FieldMappings:   fields,
			AggregationType: canonicalAgg,
			Aliases:         canonicalAliases,
		}); err != nil {
			return err
		}
		if err := app.registry.Reload(app.store); err != nil {
			return err
		}
		fmt.Printf("Canonical %q mapped to %d templates\n", args[0], len(fields))
		return nil
	},
}

func init() {
	canonicalSetCmd.Flags().StringArrayVar(&canonicalMappings, "map", nil, "Template=field_name binding (repeatable)")
	canonicalSetCmd.Flags().StringVar(&canonicalAgg, "agg", "terms", "aggregation semantics: sum, avg, count, terms, date_histogram")
	canonicalSetCmd.Flags().StringSliceVar(&canonicalAliases, "alias", nil, "query aliases for this canonical name")

	canonicalCmd.AddCommand(canonicalListCmd)
	canonicalCmd.AddCommand(canonicalSetCmd)

	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templateShowCmd)
	templateCmd.AddCommand(templateCreateCmd)
	templateCmd.AddCommand(templateUpdateCmd)
}
