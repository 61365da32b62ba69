package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/imgsift/internal/mcp"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	var metricsAddr string
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server over stdio",
		Long: `Serve the search_images, image_status and list_clusters tools to an MCP
client over stdin/stdout. Logs go to the log file only.

With the in-process memory queue a worker runs in the same process unless
--no-worker is given. --metrics-addr exposes Prometheus metrics over HTTP.`,
		Example: `  imgsift serve
  imgsift serve --metrics-addr 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			engine, err := a.SearchEngine(ctx, false)
			if err != nil {
				return err
			}
			srv, err := mcp.NewServer(engine, a.Records, a.Queue, a.Logger)
			if err != nil {
				return err
			}

			addr := metricsAddr
			if addr == "" {
				addr = a.Config.Server.MetricsAddr
			}

			// The client closing stdio ends everything else.
			sctx, stop := context.WithCancel(ctx)
			defer stop()
			eg, ectx := errgroup.WithContext(sctx)
			eg.Go(func() error {
				defer stop()
				return srv.Serve(ectx)
			})
			if a.InProcessQueue() && !noWorker {
				eg.Go(func() error { return a.NewWorker(0).Run(ectx) })
			}
			if addr != "" {
				hs := &http.Server{
					Addr:              addr,
					Handler:           metricsMux(a.Metrics.Handler(a.Logger)),
					ReadHeaderTimeout: 10 * time.Second,
				}
				eg.Go(func() error {
					a.Logger.Info("metrics_listening", slog.String("addr", addr))
					if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				eg.Go(func() error {
					<-ectx.Done()
					sctx, cancel := context.WithTimeout(context.WithoutCancel(ectx), shutdownTimeout)
					defer cancel()
					return hs.Shutdown(sctx)
				})
			}
			return eg.Wait()
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default server.metrics_addr)")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "Do not run queued jobs in this process")
	return cmd
}

func metricsMux(h http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
