package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"cvtrack/internal/taxonomy"
)

func newTaxonomyCommand(ctx *commandContext) *cobra.Command {
	taxCmd := &cobra.Command{
		Use:   "taxonomy",
		Short: "Maintain and query the skill taxonomy",
	}
	taxCmd.AddCommand(newTaxonomyImportCommand(ctx))
	taxCmd.AddCommand(newTaxonomyExportCommand(ctx))
	taxCmd.AddCommand(newTaxonomyResolveCommand(ctx))
	taxCmd.AddCommand(newTaxonomySearchCommand(ctx))
	return taxCmd
}

// readTaxonomyFile accepts either a full exported document or a bare entry list.
func readTaxonomyFile(path string) ([]taxonomy.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy file: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var entries []taxonomy.Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse taxonomy entries: %w", err)
		}
		return entries, nil
	}
	var doc taxonomy.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse taxonomy document: %w", err)
	}
	return doc.Entries, nil
}

func newTaxonomyImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json>",
		Short: "Replace the taxonomy with the entries in a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := readTaxonomyFile(args[0])
			if err != nil {
				return err
			}
			return ctx.withWorkspace(true, func(ws *workspace) error {
				doc, err := ws.taxonomy.ReplaceAll(entries)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d entries (version %d)\n", len(doc.Entries), doc.Version)
				return nil
			})
		},
	}
}

func newTaxonomyExportCommand(ctx *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the taxonomy as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withWorkspace(false, func(ws *workspace) error {
				doc, err := ws.taxonomy.Export()
				if err != nil {
					return err
				}
				if strings.TrimSpace(output) == "" {
					return writeJSON(cmd, doc)
				}
				data, err := json.MarshalIndent(doc, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, append(data, '\n'), 0o644); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d entries to %s\n", len(doc.Entries), output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func newTaxonomyResolveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <token>...",
		Short: "Resolve free-text tokens to canonical keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withWorkspace(false, func(ws *workspace) error {
				keys, err := ws.taxonomy.Resolve(args)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(keys) == 0 {
					fmt.Fprintln(out, "No matching keys")
					return nil
				}
				fmt.Fprintln(out, strings.Join(keys, "\n"))
				return nil
			})
		},
	}
}

func newTaxonomySearchCommand(ctx *commandContext) *cobra.Command {
	var category string
	var limit int
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search entries by key, label, synonym or tag",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			return ctx.withWorkspace(false, func(ws *workspace) error {
				entries, err := ws.taxonomy.Search(query, category, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "No entries found")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					label := e.Label
					if e.Deprecated {
						label += " (deprecated)"
					}
					rows = append(rows, []string{e.Key, label, e.Category, strings.Join(e.Synonyms, ", "), strings.Join(e.Implies, ", ")})
				}
				fmt.Fprintln(out, renderTable([]string{"Key", "Label", "Category", "Synonyms", "Implies"}, rows, nil))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Restrict to one category")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of entries")
	return cmd
}
