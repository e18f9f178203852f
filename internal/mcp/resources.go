package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const resourcePrefix = "chant://deliberation/"

func (s *Server) registerResources() {
	// chant://deliberation/{id}/status: full status report.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			resourcePrefix+"{id}/status",
			"Deliberation Status",
			mcplib.WithTemplateDescription("Phase, tier, idea counts and cells of a deliberation"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleStatusResource,
	)

	// chant://deliberation/{id}/results: per-tier results and champion proof.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			resourcePrefix+"{id}/results",
			"Deliberation Results",
			mcplib.WithTemplateDescription("Advancing ideas and XP totals per tier, plus the champion proof once complete"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleResultsResource,
	)
}

// parseDeliberationURI extracts the deliberation id from
// chant://deliberation/{id}/{suffix}.
func parseDeliberationURI(uri, suffix string) (uuid.UUID, error) {
	rest, ok := strings.CutPrefix(uri, resourcePrefix)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid deliberation URI: %s", uri)
	}
	raw, ok := strings.CutSuffix(rest, "/"+suffix)
	if !ok {
		return uuid.Nil, fmt.Errorf("mcp: invalid deliberation URI: %s", uri)
	}
	if raw == "" {
		return uuid.Nil, fmt.Errorf("mcp: empty deliberation id in URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: deliberation id %q is not a UUID", raw)
	}
	return id, nil
}

func (s *Server) handleStatusResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseDeliberationURI(uri, "status")
	if err != nil {
		return nil, err
	}
	st, err := s.engine.GetStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: status: %w", err)
	}
	return jsonResource(uri, st)
}

func (s *Server) handleResultsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseDeliberationURI(uri, "results")
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Results(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: results: %w", err)
	}
	return jsonResource(uri, res)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
