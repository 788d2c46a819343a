// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes diffit refinement tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/diffit/internal/fitservice"
)

const projectFormatURI = "diffit://project-format"

// Server wraps the MCP server with diffit tools.
type Server struct {
	mcp *server.MCPServer
	svc *fitservice.Service
}

// New creates a new MCP server with all diffit tools registered.
func New(svc *fitservice.Service, version string) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"diffit",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_parameters",
		mcp.WithDescription("List the fittable parameters of the active project with values, bounds, errors and free flags."),
		mcp.WithBoolean("free_only", mcp.Description("Only list parameters marked free")),
	), s.listParameters)

	s.mcp.AddTool(mcp.NewTool("set_parameter",
		mcp.WithDescription("Set the value and/or free flag of a fittable parameter. "+
			"Rejected while a refinement is running. Read the project format via the "+
			projectFormatURI+" resource for the identifier layout."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Parameter identifier (e.g. pd_Exp1___zero_shift___0)")),
		mcp.WithNumber("value", mcp.Description("New value; must lie within the parameter bounds")),
		mcp.WithBoolean("free", mcp.Description("Whether the next refinement varies this parameter")),
	), s.setParameter)

	s.mcp.AddTool(mcp.NewTool("start_stop_fit",
		mcp.WithDescription("Start a refinement of the free parameters, or request cancellation of the one in progress."),
	), s.startStopFit)

	s.mcp.AddTool(mcp.NewTool("fit_status",
		mcp.WithDescription("Report whether a refinement is running, its latest progress and the last finished run."),
	), s.fitStatus)

	s.mcp.AddTool(mcp.NewTool("list_runs",
		mcp.WithDescription("List archived refinement runs, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
	), s.listRuns)

	s.mcp.AddResource(
		mcp.NewResource(projectFormatURI, "Project Format Contract",
			mcp.WithResourceDescription("YAML project file layout and parameter identifier rules."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readProjectFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listParameters(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params, err := s.svc.Parameters(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if req.GetBool("free_only", false) {
		free := params[:0:0]
		for _, p := range params {
			if p.Free {
				free = append(free, p)
			}
		}
		params = free
	}
	return jsonResult(params)
}

func (s *Server) setParameter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var patch fitservice.ParameterPatch
	if v, err := req.RequireFloat("value"); err == nil {
		patch.Value = &v
	}
	if f, err := req.RequireBool("free"); err == nil {
		patch.Free = &f
	}
	if patch.Value == nil && patch.Free == nil {
		return mcp.NewToolResultError("value or free is required"), nil
	}
	p, err := s.svc.SetParameter(ctx, id, patch)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(p)
}

func (s *Server) startStopFit(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	act, err := s.svc.StartStop(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("action: %s", act)), nil
}

func (s *Server) fitStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.svc.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(st)
}

func (s *Server) listRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	runs, _, err := s.svc.History(ctx, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("no runs archived"), nil
	}
	return jsonResult(runs)
}

func (s *Server) readProjectFormatResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      projectFormatURI,
			MIMEType: "text/markdown",
			Text:     ProjectFormatContract,
		},
	}, nil
}
