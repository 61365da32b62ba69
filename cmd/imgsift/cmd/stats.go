package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/imgsift/internal/output"
)

func newStatsCmd(g *globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show library statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			st, err := a.Records.Stats(ctx)
			if err != nil {
				return err
			}
			if format == output.FormatJSON {
				return out.JSON(st)
			}
			out.Stats(st)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", output.FormatText, "Output format: text, json")
	return cmd
}
