package cmd

import (
	"time"

	"github.com/spf13/cobra"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/output"
)

func newWorkerCmd(g *globals) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queued analysis and clustering jobs",
		Long: `Run jobs from the shared queue until interrupted.

Requires queue.backend: redis. Several workers may run at once; set
worker.lock_file so they take turns on the accelerator.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if a.InProcessQueue() {
				return siftErrors.ConfigError("the worker needs a shared queue", nil).
					WithSuggestion("Set queue.backend: redis, or let ingest run jobs in process")
			}
			n := concurrency
			if n <= 0 {
				n = a.Config.Worker.Concurrency
			}
			output.New(cmd.ErrOrStderr()).Statusf("⚙️ ", "Worker running with concurrency %d (Ctrl+C to stop)", n)
			return a.NewWorker(n).Run(ctx)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Jobs run at once (default worker.concurrency)")
	return cmd
}

func newStatusCmd(g *globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the state of a queued job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			st, err := a.Queue.FetchStatus(ctx, args[0])
			if err != nil {
				return err
			}
			if format == output.FormatJSON {
				return out.JSON(st)
			}
			out.Header(st.ID)
			out.Field("kind", st.Kind)
			if st.Arg != "" {
				out.Field("arg", st.Arg)
			}
			out.Field("state", st.State)
			out.Field("enqueued", st.Enqueued.Format(time.RFC3339))
			if st.Started != nil {
				out.Field("started", st.Started.Format(time.RFC3339))
			}
			if st.Ended != nil {
				out.Field("ended", st.Ended.Format(time.RFC3339))
			}
			if st.Result != "" {
				out.Field("result", st.Result)
			}
			if st.Error != "" {
				out.Field("error", st.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", output.FormatText, "Output format: text, json")
	return cmd
}
