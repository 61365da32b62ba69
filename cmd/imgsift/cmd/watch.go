package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/imgsift/internal/output"
	"github.com/Aman-CERP/imgsift/internal/watcher"
)

func newWatchCmd(g *globals) *cobra.Command {
	var scanExisting bool

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Ingest images as they appear in a directory",
		Long: `Watch a directory and ingest every image file written to it.

Files are ingested once they have been quiet for watch.debounce. With the
in-process memory queue a worker runs alongside the watcher; with Redis the
jobs go to 'imgsift worker'. Subdirectories are not watched.`,
		Example: `  imgsift watch ~/Pictures/inbox
  imgsift watch ./scans --scan-existing`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.ErrOrStderr())

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			sink := func(ctx context.Context, path string) error {
				results, err := a.Ingester.IngestFiles(ctx, []string{path})
				if err != nil {
					return err
				}
				for _, r := range results {
					if r.Err != nil {
						return r.Err
					}
				}
				return nil
			}
			w, err := watcher.NewInboxWatcher(args[0], sink, watcher.Options{
				Debounce:        a.Config.Watch.Debounce,
				IngestPerSecond: a.Config.Watch.IngestPerSecond,
				ScanExisting:    scanExisting,
			}, a.Logger)
			if err != nil {
				return err
			}

			eg, ectx := errgroup.WithContext(ctx)
			eg.Go(func() error { return w.Run(ectx) })
			if a.InProcessQueue() {
				eg.Go(func() error { return a.NewWorker(0).Run(ectx) })
			}
			eg.Go(func() error {
				select {
				case <-w.Ready():
					out.Statusf("👀", "Watching %s (Ctrl+C to stop)", w.Dir())
				case <-ectx.Done():
				}
				return nil
			})

			err = eg.Wait()
			out.Statusf("", "Ingested %d file(s), %d failed", w.Ingested(), w.Failed())
			return err
		},
	}

	cmd.Flags().BoolVar(&scanExisting, "scan-existing", false, "Ingest files already in the directory")
	return cmd
}
