package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	siftErrors "github.com/Aman-CERP/imgsift/internal/errors"
	"github.com/Aman-CERP/imgsift/internal/media"
	"github.com/Aman-CERP/imgsift/internal/output"
)

func newClusterCmd(g *globals) *cobra.Command {
	run := newClusterRunCmd(g)

	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Group similar images",
		Long: `Group indexed images by embedding similarity with HDBSCAN.

Without a subcommand, runs clustering now. Every run replaces the previous
clusters; images that fit no cluster are left unassigned.`,
		Example: `  imgsift cluster
  imgsift cluster list --samples 3
  imgsift cluster suggest 5f0c...`,
		RunE: run.RunE,
	}
	cmd.Flags().AddFlagSet(run.Flags())

	cmd.AddCommand(run)
	cmd.AddCommand(newClusterListCmd(g))
	cmd.AddCommand(newClusterShowCmd(g))
	cmd.AddCommand(newClusterSuggestCmd(g))
	return cmd
}

func newClusterRunCmd(g *globals) *cobra.Command {
	var async bool
	var format string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Cluster every indexed image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if async {
				id, err := a.EnqueueCluster(ctx)
				if err != nil {
					return err
				}
				if a.InProcessQueue() {
					if _, err := a.Drain(ctx); err != nil {
						return err
					}
				}
				if format == output.FormatJSON {
					return out.JSON(map[string]string{"job_id": id})
				}
				out.Successf("Queued clustering job %s", id)
				return nil
			}

			info, err := a.Clusterer.ClusterAll(ctx)
			if err != nil {
				return err
			}
			if format == output.FormatJSON {
				return out.JSON(info)
			}
			out.ClusterInfo(info)
			return nil
		},
	}

	cmd.Flags().BoolVar(&async, "async", false, "Queue the run as a job and print its id")
	cmd.Flags().StringVarP(&format, "format", "f", output.FormatText, "Output format: text, json")
	return cmd
}

func newClusterListCmd(g *globals) *cobra.Command {
	var samples int
	var format string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clusters with sample members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			clusters, err := a.Records.ListClusters(ctx)
			if err != nil {
				return err
			}
			if format == output.FormatJSON {
				return out.JSON(clusters)
			}
			out.Clusters(clusters, samples)
			return nil
		},
	}

	cmd.Flags().IntVar(&samples, "samples", 5, "Member ids shown per cluster")
	cmd.Flags().StringVarP(&format, "format", "f", output.FormatText, "Output format: text, json")
	return cmd
}

func newClusterShowCmd(g *globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <cluster-id>",
		Short: "Show the members of one cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			id, err := strconv.Atoi(args[0])
			if err != nil || id < 0 {
				return siftErrors.ValidationError("cluster id must be a non-negative integer", err)
			}

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			c, err := a.Records.GetCluster(ctx, id)
			if err != nil {
				return err
			}
			if format == output.FormatJSON {
				return out.JSON(c)
			}
			out.Header("Cluster " + strconv.Itoa(c.ID))
			out.Field("type", c.Type)
			if c.Label != "" {
				out.Field("label", c.Label)
			}
			out.Field("members", c.MemberCount)
			out.Newline()
			members := make([]*media.Record, 0, len(c.MemberIDs))
			for _, m := range c.MemberIDs {
				rec, err := a.Records.GetMedia(ctx, m)
				if err != nil {
					out.Warningf("%s: %v", m, err)
					continue
				}
				members = append(members, rec)
			}
			out.RecordList(members)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", output.FormatText, "Output format: text, json")
	return cmd
}

func newClusterSuggestCmd(g *globals) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "suggest <media-id>",
		Short: "Suggest the cluster a new image belongs to",
		Long: `Compare one image with the current cluster centroids without running
clustering again. The image is assigned only when its similarity to the
nearest centroid reaches cluster.assign_threshold.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := output.New(cmd.OutOrStdout())

			a, err := g.openApp(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			s, err := a.Clusterer.Suggest(ctx, args[0])
			if err != nil {
				return err
			}
			if format == output.FormatJSON {
				return out.JSON(s)
			}
			out.Suggestion(s)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", output.FormatText, "Output format: text, json")
	return cmd
}
