package mcp

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// StatsURI is the resource holding record store statistics.
const StatsURI = "imgsift://stats"

func (s *Server) registerResources() {
	s.mcp.AddResource(&mcp.Resource{
		Name:        "stats",
		URI:         StatsURI,
		Description: "Record counts by status, liked images and cluster count",
		MIMEType:    "application/json",
	}, s.readStats)
}

func (s *Server) readStats(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	text, err := s.statsJSON(ctx)
	if err != nil {
		return nil, err
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      StatsURI,
			MIMEType: "application/json",
			Text:     text,
		}},
	}, nil
}

func (s *Server) statsJSON(ctx context.Context) (string, error) {
	stats, err := s.records.Stats(ctx)
	if err != nil {
		return "", MapError(err)
	}
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return "", MapError(err)
	}
	return string(data), nil
}
