package cmd

import (
	"github.com/spf13/cobra"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/output"
)

func newListCmd(g *globals) *cobra.Command {
	var (
		status string
		liked  bool
		limit  int
		offset int
		format string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List images, newest first",
		Example: `  imgsift list --status failed
  imgsift list --liked --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			f := media.Filter{Offset: offset, Limit: limit}
			if status != "" {
				st := media.Status(status)
				if !st.Valid() {
					return siftErrors.ValidationError("unknown status "+status, nil).
						WithSuggestion("Use pending, processing, indexed or failed")
				}
				f.Status = &st
			}
			if cmd.Flags().Changed("liked") {
				f.Liked = &liked
			}

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			recs, err := a.Records.ListMedia(ctx, f)
			if err != nil {
				return err
			}
			if format == output.FormatJSON {
				return out.JSON(recs)
			}
			out.RecordList(recs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only records in this status")
	cmd.Flags().BoolVar(&liked, "liked", false, "Only liked (or with =false, not liked) records")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum records")
	cmd.Flags().IntVar(&offset, "offset", 0, "Records to skip")
	cmd.Flags().StringVarP(&format, "format", "f", output.FormatText, "Output format: text, json")
	return cmd
}

func newShowCmd(g *globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <media-id>",
		Short: "Show one image record and its analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			rec, err := a.Records.GetMedia(ctx, args[0])
			if err != nil {
				return err
			}
			if format == output.FormatJSON {
				return out.JSON(rec)
			}
			out.Record(rec)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", output.FormatText, "Output format: text, json")
	return cmd
}

func newLikeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "like <media-id>",
		Short: "Toggle the liked flag of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			rec, err := a.ToggleLike(ctx, args[0])
			if err != nil {
				return err
			}
			if rec.Liked {
				out.Successf("Liked %s", rec.ID)
			} else {
				out.Successf("Unliked %s", rec.ID)
			}
			return nil
		},
	}
}

func newDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <media-id>",
		Aliases: []string{"rm"},
		Short:   "Delete an image, its analysis and its stored bytes",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if err := a.DeleteMedia(ctx, args[0]); err != nil {
				return err
			}
			out.Successf("Deleted %s", args[0])
			return nil
		},
	}
}
