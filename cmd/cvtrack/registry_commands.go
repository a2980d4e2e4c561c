package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"cvtrack/internal/llmconfig"
	"cvtrack/internal/tender"
)

func newLLMCommand(ctx *commandContext) *cobra.Command {
	llmCmd := &cobra.Command{
		Use:   "llm",
		Short: "Manage per-owner LLM endpoints",
	}

	llmCmd.AddCommand(&cobra.Command{
		Use:   "list <owner>",
		Short: "List LLM configs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withWorkspace(false, func(ws *workspace) error {
				configs, err := ws.llm.List(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(configs) == 0 {
					fmt.Fprintln(out, "No LLM configs")
					return nil
				}
				rows := make([][]string, 0, len(configs))
				for _, c := range configs {
					c = c.Masked()
					rows = append(rows, []string{c.Mnemonic, yesNo(c.Active), c.Provider, c.Model, c.BaseURL, c.Label})
				}
				fmt.Fprintln(out, renderTable([]string{"Mnemonic", "Active", "Provider", "Model", "Base URL", "Label"}, rows, nil))
				return nil
			})
		},
	})

	var in llmconfig.Config
	add := &cobra.Command{
		Use:   "add <owner>",
		Short: "Store an LLM endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withWorkspace(true, func(ws *workspace) error {
				created, err := ws.llm.Create(args[0], in)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s (active: %s)\n", created.Mnemonic, yesNo(created.Active))
				return nil
			})
		},
	}
	add.Flags().StringVar(&in.Provider, "provider", "", "Provider name, e.g. openrouter")
	add.Flags().StringVar(&in.Model, "model", "", "Model identifier")
	add.Flags().StringVar(&in.BaseURL, "base-url", "", "Chat completions endpoint")
	add.Flags().StringVar(&in.APIKey, "api-key", "", "API key")
	add.Flags().StringVar(&in.Label, "label", "", "Free-form label")
	add.Flags().IntVar(&in.TimeoutSeconds, "timeout", 0, "Request timeout in seconds")
	add.Flags().StringVar(&in.Mnemonic, "mnemonic", "", "Use this mnemonic instead of generating one")
	add.Flags().BoolVar(&in.Active, "activate", false, "Make this the owner's active config")
	llmCmd.AddCommand(add)

	llmCmd.AddCommand(&cobra.Command{
		Use:   "activate <owner> <mnemonic>",
		Short: "Make a config the owner's active one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withWorkspace(true, func(ws *workspace) error {
				c, err := ws.llm.SetActive(args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now active\n", c.Mnemonic)
				return nil
			})
		},
	})
	return llmCmd
}

func newTenderCommand(ctx *commandContext) *cobra.Command {
	tenderCmd := &cobra.Command{
		Use:   "tender",
		Short: "Manage saved tender searches",
	}

	tenderCmd.AddCommand(&cobra.Command{
		Use:   "list <owner>",
		Short: "List tender searches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withWorkspace(false, func(ws *workspace) error {
				searches, err := ws.tenders.List(args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(searches) == 0 {
					fmt.Fprintln(out, "No tender searches")
					return nil
				}
				rows := make([][]string, 0, len(searches))
				for _, s := range searches {
					rows = append(rows, []string{
						s.Mnemonic, yesNo(s.Active), s.Category, s.Version, s.Title,
						strings.Join(s.Skills, ", "), strconv.Itoa(len(s.Keywords)),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Mnemonic", "Active", "Category", "Version", "Title", "Skills", "Keywords"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
				))
				return nil
			})
		},
	})

	var in tender.Search
	var skills []string
	add := &cobra.Command{
		Use:   "add <owner>",
		Short: "Save a tender search; skills are resolved through the taxonomy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withWorkspace(true, func(ws *workspace) error {
				rec := in
				if len(skills) > 0 {
					keys, err := ws.taxonomy.Resolve(skills)
					if err != nil {
						return err
					}
					if len(keys) == 0 {
						keys = skills
					}
					rec.Skills = keys
				}
				created, err := ws.tenders.Create(args[0], rec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s (active: %s)\n", created.Mnemonic, yesNo(created.Active))
				return nil
			})
		},
	}
	add.Flags().StringVar(&in.Category, "category", "", "Profile category, e.g. Senior")
	add.Flags().StringVar(&in.Version, "version", "", "Profile variant, e.g. Backend")
	add.Flags().StringVar(&in.Title, "title", "", "Title")
	add.Flags().StringSliceVar(&in.Keywords, "keyword", nil, "Search keyword (repeatable)")
	add.Flags().StringSliceVar(&skills, "skill", nil, "Required skill (repeatable)")
	add.Flags().StringVar(&in.Location, "location", "", "Location")
	add.Flags().StringVar(&in.Notes, "notes", "", "Notes")
	add.Flags().StringVar(&in.Mnemonic, "mnemonic", "", "Use this mnemonic instead of generating one")
	add.Flags().BoolVar(&in.Active, "activate", false, "Make this the owner's active search")
	tenderCmd.AddCommand(add)

	tenderCmd.AddCommand(&cobra.Command{
		Use:   "activate <owner> <mnemonic>",
		Short: "Make a tender search the owner's active one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withWorkspace(true, func(ws *workspace) error {
				s, err := ws.tenders.SetActive(args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now active\n", s.Mnemonic)
				return nil
			})
		},
	})
	return tenderCmd
}
