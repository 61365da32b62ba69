package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/imgsift/internal/queue"
	"github.com/Aman-CERP/imgsift/internal/search"
	"github.com/Aman-CERP/imgsift/internal/store"
	"github.com/Aman-CERP/imgsift/pkg/version"
)

// Tool names.
const (
	ToolSearchImages = "search_images"
	ToolImageStatus  = "image_status"
	ToolListClusters = "list_clusters"
)

const defaultSamples = 5

// Searcher runs image searches. *search.Engine implements it.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]search.Result, error)
}

// Server bridges MCP clients to the search engine and record store.
type Server struct {
	mcp     *mcp.Server
	engine  Searcher
	records store.RecordStore
	jobs    queue.Queue
	logger  *slog.Logger
}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name:        ToolSearchImages,
		Description: "Find images by describing them in natural language. Returns records ranked by similarity with their captions, detected objects and OCR text.",
	},
	{
		Name:        ToolImageStatus,
		Description: "Report the analysis status of an image by id, or of an ingest job by job_id.",
	},
	{
		Name:        ToolListClusters,
		Description: "List the groups of similar images found by the last clustering run, with sample member ids.",
	},
}

// NewServer creates a server. jobs may be nil, in which case image_status
// only answers for record ids.
func NewServer(engine Searcher, records store.RecordStore, jobs queue.Queue, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, errors.New("search engine is required")
	}
	if records == nil {
		return nil, errors.New("record store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  engine,
		records: records,
		jobs:    jobs,
		logger:  logger,
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "imgsift", Version: version.Version}, nil)
	s.registerTools()
	s.registerResources()
	return s, nil
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns the registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[0].Name, Description: tools[0].Description}, s.mcpSearchImages)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[1].Name, Description: tools[1].Description}, s.mcpImageStatus)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: tools[2].Name, Description: tools[2].Description}, s.mcpListClusters)
	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(tools)))
}

// CallTool invokes a tool by name with JSON-style arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case ToolSearchImages:
		var in SearchImagesInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.searchImages(ctx, in)
	case ToolImageStatus:
		var in ImageStatusInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.imageStatus(ctx, in)
	case ToolListClusters:
		var in ListClustersInput
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		return s.listClusters(ctx, in)
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func decodeArgs(args map[string]any, into any) error {
	if len(args) == 0 {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return NewInvalidParamsError(err.Error())
	}
	if err := json.Unmarshal(data, into); err != nil {
		return NewInvalidParamsError(err.Error())
	}
	return nil
}

func (s *Server) mcpSearchImages(ctx context.Context, _ *mcp.CallToolRequest, in SearchImagesInput) (*mcp.CallToolResult, SearchImagesOutput, error) {
	out, err := s.searchImages(ctx, in)
	return nil, out, err
}

func (s *Server) mcpImageStatus(ctx context.Context, _ *mcp.CallToolRequest, in ImageStatusInput) (*mcp.CallToolResult, ImageStatusOutput, error) {
	out, err := s.imageStatus(ctx, in)
	return nil, out, err
}

func (s *Server) mcpListClusters(ctx context.Context, _ *mcp.CallToolRequest, in ListClustersInput) (*mcp.CallToolResult, ListClustersOutput, error) {
	out, err := s.listClusters(ctx, in)
	return nil, out, err
}

func (s *Server) searchImages(ctx context.Context, in SearchImagesInput) (SearchImagesOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return SearchImagesOutput{}, NewInvalidParamsError("query is required")
	}
	requestID := newRequestID()
	start := time.Now()

	results, err := s.engine.Search(ctx, search.Request{
		Query:     in.Query,
		Limit:     in.Limit,
		Threshold: in.Threshold,
		Mode:      in.Mode,
	})
	if err != nil {
		s.logger.Warn("mcp_search_failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
		return SearchImagesOutput{}, MapError(err)
	}

	out := SearchImagesOutput{Query: in.Query, Results: make([]ImageResult, 0, len(results))}
	for _, r := range results {
		rec := r.Record
		out.Results = append(out.Results, ImageResult{
			ID:         rec.ID,
			Filename:   rec.Filename,
			Caption:    rec.Metadata.Caption,
			Objects:    classes(rec),
			OCRText:    rec.Metadata.OCRText,
			Similarity: r.Similarity,
			Score:      r.Score,
			ClusterID:  rec.ClusterID,
			Liked:      rec.Liked,
		})
	}
	s.logger.Info("mcp_search_completed",
		slog.String("request_id", requestID),
		slog.Int("results", len(out.Results)),
		slog.Duration("duration", time.Since(start)))
	return out, nil
}

func (s *Server) imageStatus(ctx context.Context, in ImageStatusInput) (ImageStatusOutput, error) {
	if in.ID == "" && in.JobID == "" {
		return ImageStatusOutput{}, NewInvalidParamsError("id or job_id is required")
	}
	var out ImageStatusOutput

	mediaID := in.ID
	if in.JobID != "" {
		if s.jobs == nil {
			return ImageStatusOutput{}, NewInvalidParamsError("job status is not available on this server")
		}
		st, err := s.jobs.FetchStatus(ctx, in.JobID)
		if err != nil {
			return ImageStatusOutput{}, MapError(err)
		}
		out.Job = &JobStatus{
			ID:     st.ID,
			Kind:   st.Kind,
			State:  string(st.State),
			Result: st.Result,
			Error:  st.Error,
			Ended:  st.Ended,
		}
		if mediaID == "" && st.Kind == queue.KindAnalyze {
			mediaID = st.Arg
		}
	}

	if mediaID != "" {
		rec, err := s.records.GetMedia(ctx, mediaID)
		if err != nil {
			return ImageStatusOutput{}, MapError(err)
		}
		out.Record = &RecordStatus{
			ID:           rec.ID,
			Status:       rec.Status,
			ErrorMessage: rec.ErrorMessage,
			Caption:      rec.Metadata.Caption,
			Objects:      classes(rec),
			ClusterID:    rec.ClusterID,
			CreatedAt:    rec.CreatedAt,
			ProcessedAt:  rec.ProcessedAt,
		}
	}
	return out, nil
}

func (s *Server) listClusters(ctx context.Context, in ListClustersInput) (ListClustersOutput, error) {
	samples := in.Samples
	if samples <= 0 {
		samples = defaultSamples
	}
	clusters, err := s.records.ListClusters(ctx)
	if err != nil {
		return ListClustersOutput{}, MapError(err)
	}
	out := ListClustersOutput{Clusters: make([]ClusterSummary, 0, len(clusters))}
	for _, c := range clusters {
		ids := c.MemberIDs
		if len(ids) > samples {
			ids = ids[:samples]
		}
		out.Clusters = append(out.Clusters, ClusterSummary{
			ID:          c.ID,
			Label:       c.Label,
			Type:        c.Type,
			MemberCount: c.MemberCount,
			SampleIDs:   append([]string{}, ids...),
		})
	}
	return out, nil
}

// Serve runs the server over stdio until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("mcp_server_started", slog.String("transport", "stdio"))
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("mcp_server_failed", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("mcp_server_stopped")
	return nil
}

// newRequestID creates a short id for log correlation.
func newRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
