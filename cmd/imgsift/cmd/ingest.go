package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/imgsift/internal/output"
)

func newIngestCmd(g *globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "ingest <files...>",
		Short: "Add images and queue them for analysis",
		Long: `Store image files and queue an analysis job for each.

Files whose bytes were ingested before are reported as duplicates and not
queued again. With the in-process memory queue the jobs run before the
command returns; with Redis they are picked up by 'imgsift worker'.`,
		Example: `  imgsift ingest ~/Pictures/*.jpg
  imgsift ingest scan.png --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			results, err := a.Ingester.IngestFiles(ctx, args)
			if err != nil {
				return err
			}

			ran := 0
			if a.InProcessQueue() {
				var progress func(done, total int)
				if format != output.FormatJSON && out.UseColor() {
					progress = func(done, total int) {
						out.Progress(done, total, "analyzing")
					}
				}
				ran, err = a.DrainWithProgress(ctx, progress)
				if err != nil {
					if progress != nil && ran > 0 {
						out.ProgressDone()
					}
					return err
				}
				// Drained jobs have changed the records since ingest.
				for _, r := range results {
					if r.Err == nil && r.Record != nil {
						if rec, err := a.Records.GetMedia(ctx, r.Record.ID); err == nil {
							r.Record = rec
						}
					}
				}
			}
			slog.Info("ingest_completed", slog.Int("files", len(args)), slog.Int("analyzed", ran))

			if format == output.FormatJSON {
				return out.JSON(results)
			}
			failed := out.IngestResults(results)
			if ran > 0 {
				out.Statusf("🔍", "Analyzed %d image(s)", ran)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d file(s) failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", output.FormatText, "Output format: text, json")
	return cmd
}

func newAnalyzeCmd(g *globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "analyze <media-id>",
		Short: "Run analysis for one record inline",
		Long: `Run the analysis pipeline for one record in this process, without the
job queue. Useful to retry a failed record.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			rec, err := a.Analyzer.Analyze(ctx, args[0])
			if rec == nil {
				return err
			}
			if format == output.FormatJSON {
				if jerr := out.JSON(rec); jerr != nil {
					return jerr
				}
				return err
			}
			out.Record(rec)
			return err
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", output.FormatText, "Output format: text, json")
	return cmd
}
