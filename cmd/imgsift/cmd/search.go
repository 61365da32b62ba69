package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/imgsift/internal/app"
	"github.com/Aman-CERP/imgsift/internal/output"
	"github.com/Aman-CERP/imgsift/internal/search"
)

func newSearchCmd(g *globals) *cobra.Command {
	var (
		limit     int
		threshold float64
		mode      string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find images by description",
		Long: `Find images matching a natural-language description.

Vector mode (default) compares the query's text embedding with every
indexed image and returns those whose cosine similarity is above the
threshold. Text mode matches words in captions, OCR text, object classes
and filenames.`,
		Example: `  imgsift search "a dog on a beach"
  imgsift search "receipt" --mode text
  imgsift search "sunset" --threshold 0.25 --limit 5 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			textMode := mode == search.ModeText
			if textMode {
				if err := ensureKeywords(cmd, a); err != nil {
					return err
				}
			}
			engine, err := a.SearchEngine(ctx, textMode)
			if err != nil {
				return err
			}

			req := search.Request{Query: args[0], Limit: limit, Mode: mode}
			if cmd.Flags().Changed("threshold") {
				req.Threshold = &threshold
			}
			results, err := engine.Search(ctx, req)
			if err != nil {
				return err
			}
			if format == output.FormatJSON {
				return out.JSON(results)
			}
			out.SearchResults(args[0], results)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum results (default search.default_limit)")
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", 0, "Minimum similarity, exclusive (default search.threshold)")
	cmd.Flags().StringVarP(&mode, "mode", "m", search.ModeVector, "Search mode: vector, text")
	cmd.Flags().StringVarP(&format, "format", "f", output.FormatText, "Output format: text, json")

	cmd.AddCommand(newSearchReindexCmd(g))
	return cmd
}

// ensureKeywords fills an empty keyword index from the record store. An
// in-memory index always starts empty.
func ensureKeywords(cmd *cobra.Command, a *app.App) error {
	k, err := a.KeywordIndex()
	if err != nil {
		return err
	}
	n, err := k.Count()
	if err != nil || n > 0 {
		return err
	}
	indexed, err := k.Reindex(cmd.Context(), a.Records)
	if err != nil {
		return err
	}
	slog.Debug("keyword_index_filled", slog.Int("records", indexed))
	return nil
}

func newSearchReindexCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the keyword index from the record store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			k, err := a.KeywordIndex()
			if err != nil {
				return err
			}
			n, err := k.Reindex(ctx, a.Records)
			if err != nil {
				return err
			}
			out.Successf("Reindexed %d record(s)", n)
			return nil
		},
	}
}
