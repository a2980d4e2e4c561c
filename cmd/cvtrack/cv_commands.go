package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"cvtrack/internal/cvstore"
	"cvtrack/internal/pipeline"
)

func newCVCommand(ctx *commandContext) *cobra.Command {
	cvCmd := &cobra.Command{
		Use:   "cv",
		Short: "Manage uploaded CVs",
	}
	cvCmd.AddCommand(newCVAddCommand(ctx))
	cvCmd.AddCommand(newCVListCommand(ctx))
	cvCmd.AddCommand(newCVShowCommand(ctx))
	cvCmd.AddCommand(newCVProcessCommand(ctx))
	cvCmd.AddCommand(newCVReprocessCommand(ctx))
	cvCmd.AddCommand(newCVDeleteCommand(ctx))
	cvCmd.AddCommand(newCVDuplicatesCommand(ctx))
	cvCmd.AddCommand(newCVBackfillCommand(ctx))
	return cvCmd
}

func newCVAddCommand(ctx *commandContext) *cobra.Command {
	var duplicates string
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "add <owner> <file>...",
		Short: "Copy files into the upload directory and record them",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := pipeline.ParseDuplicatePolicy(duplicates)
			if err != nil {
				return err
			}
			owner := args[0]
			return ctx.withWorkspace(true, func(ws *workspace) error {
				pipe, err := ws.pipeline()
				if err != nil {
					return err
				}
				uploads := make([]pipeline.Upload, 0, len(args)-1)
				var staged []pipeline.Rejected
				for _, path := range args[1:] {
					up, err := pipeline.StageCopy(ws.cfg.Paths.UploadDir, owner, path)
					if err != nil {
						staged = append(staged, pipeline.Rejected{Upload: pipeline.Upload{OriginalName: path}, Error: err.Error()})
						continue
					}
					uploads = append(uploads, up)
				}
				result, err := pipe.CreateFromUploads(cmd.Context(), owner, uploads, policy)
				if err != nil {
					pipeline.DiscardStaged(ws.cfg.Paths.UploadDir, uploads...)
					return err
				}
				for _, rej := range result.Rejected {
					pipeline.DiscardStaged(ws.cfg.Paths.UploadDir, rej.Upload)
				}
				result.Rejected = append(result.Rejected, staged...)
				if jsonOutput {
					return writeJSON(cmd, result)
				}
				out := cmd.OutOrStdout()
				if len(result.Created) > 0 {
					fmt.Fprintln(out, renderRecordTable(result.Created))
				}
				for _, rej := range result.Rejected {
					line := fmt.Sprintf("rejected %s: %s", rej.Upload.OriginalName, rej.Error)
					if rej.DuplicateOf != "" {
						line += " (duplicate of " + rej.DuplicateOf + ")"
					}
					fmt.Fprintln(out, line)
				}
				fmt.Fprintf(out, "%d recorded, %d rejected\n", len(result.Created), len(result.Rejected))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&duplicates, "duplicates", "accept", "Duplicate policy: accept or reject")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the batch result as JSON")
	return cmd
}

func newCVListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var offset, limit int
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list <owner>",
		Short: "List an owner's CVs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := cvstore.Query{Offset: offset, Limit: limit}
			if strings.TrimSpace(status) != "" {
				parsed, ok := cvstore.ParseStatus(status)
				if !ok {
					return fmt.Errorf("unknown status %q", status)
				}
				q.Status = parsed
			}
			return ctx.withWorkspace(false, func(ws *workspace) error {
				page, err := cvstore.NewRepository(ws.store).List(args[0], q)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd, page)
				}
				out := cmd.OutOrStdout()
				if len(page.Records) == 0 {
					fmt.Fprintln(out, "No CVs found")
					return nil
				}
				fmt.Fprintln(out, renderRecordTable(page.Records))
				fmt.Fprintf(out, "Showing %d of %d\n", len(page.Records), page.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (uploaded, processing, processed, error)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many records")
	cmd.Flags().IntVar(&limit, "limit", 0, "Show at most this many records")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit the page as JSON")
	return cmd
}

func newCVShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <owner> <id>",
		Short: "Print one CV record as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withWorkspace(false, func(ws *workspace) error {
				rec, err := cvstore.NewRepository(ws.store).Get(args[0], args[1])
				if err != nil {
					return err
				}
				return writeJSON(cmd, rec)
			})
		},
	}
}

func newCVProcessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "process <owner>",
		Short: "Analyze every uploaded CV of an owner and wait for the results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner := args[0]
			return ctx.withWorkspace(true, func(ws *workspace) error {
				pipe, err := ws.pipeline()
				if err != nil {
					return err
				}
				if err := pipe.Start(cmd.Context()); err != nil {
					return err
				}
				ids, err := pipe.QueueAllPending(cmd.Context(), owner)
				pipe.Wait()
				if err != nil {
					return err
				}
				counts, total, err := pipe.OwnerSummary(owner)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Processed %d CV(s)\n", len(ids))
				fmt.Fprintln(out, strings.Join(newStatusPrinter(out).summaryLines(counts, total), "\n"))
				return nil
			})
		},
	}
}

func newCVReprocessCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <owner> <id>",
		Short: "Clear a CV's results and analyze it again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withWorkspace(true, func(ws *workspace) error {
				pipe, err := ws.pipeline()
				if err != nil {
					return err
				}
				if err := pipe.Start(cmd.Context()); err != nil {
					return err
				}
				if _, err := pipe.Reprocess(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				pipe.Wait()
				rec, err := pipe.Get(args[0], args[1])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, newStatusPrinter(out).line(rec.OriginalName, recordStyle(rec.Status), recordDetail(rec)))
				return nil
			})
		},
	}
}

func newCVDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <owner> <id>",
		Short: "Delete a CV record and its stored file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withWorkspace(true, func(ws *workspace) error {
				pipe, err := ws.pipeline()
				if err != nil {
					return err
				}
				rec, err := pipe.Delete(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%s)\n", rec.ID, rec.OriginalName)
				return nil
			})
		},
	}
}

func newCVDuplicatesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "duplicates <owner> <file>",
		Short: "Check whether a file's content is already recorded",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withWorkspace(false, func(ws *workspace) error {
				pipe, err := ws.pipeline()
				if err != nil {
					return err
				}
				rec, found, err := pipe.CheckDuplicateFile(args[0], args[1])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !found {
					fmt.Fprintln(out, "No duplicate found")
					return nil
				}
				fmt.Fprintf(out, "Duplicate of %s (%s, %s)\n", rec.ID, rec.OriginalName, rec.Status)
				return nil
			})
		},
	}
}

func newCVBackfillCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill <owner>",
		Short: "Compute missing content digests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withWorkspace(true, func(ws *workspace) error {
				pipe, err := ws.pipeline()
				if err != nil {
					return err
				}
				n, err := pipe.BackfillDigests(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %d record(s)\n", n)
				return nil
			})
		},
	}
}

func renderRecordTable(records []cvstore.Record) string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.ID,
			rec.OriginalName,
			string(rec.FileType),
			strconv.FormatInt(rec.Size, 10),
			string(rec.Status),
			rec.UploadedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	return renderTable(
		[]string{"ID", "File", "Type", "Bytes", "Status", "Uploaded"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}

func recordDetail(rec cvstore.Record) string {
	switch rec.Status {
	case cvstore.StatusError:
		return rec.ErrorValue()
	case cvstore.StatusProcessed:
		if rec.Confidence != nil {
			return fmt.Sprintf("%s, confidence %.2f", rec.Analyzer, rec.Confidence.Overall)
		}
		return rec.Analyzer
	default:
		return string(rec.Status)
	}
}
