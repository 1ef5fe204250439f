// Package mcp exposes the module engine as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/carepath/internal/logging"
	"github.com/rendis/carepath/internal/store"
	"github.com/rendis/carepath/pkg/schema"
)

// ModuleSource loads module definitions by name. Satisfied by *loader.Loader.
type ModuleSource interface {
	Load(name string) (*schema.ModuleDefinition, error)
	List() ([]string, error)
}

// ServerDeps holds the dependencies of a Server. Store is optional; without
// it executions are not persisted and carepath.runs is unavailable.
type ServerDeps struct {
	Modules ModuleSource
	Store   store.Store
	Logger  *slog.Logger
	// Now fixes the engine reference time. Defaults to today (UTC).
	Now func() time.Time
}

// Server wraps an MCP server with carepath tool handlers.
type Server struct {
	modules   ModuleSource
	store     store.Store
	logger    *slog.Logger
	now       func() time.Time
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	s := &Server{
		modules: deps.Modules,
		store:   deps.Store,
		logger:  logging.OrDiscard(deps.Logger),
		now:     deps.Now,
	}

	mcpSrv := server.NewMCPServer(
		"carepath",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("carepath executes clinical pathway modules against synthetic patients. "+
			"Use carepath.validate and carepath.lint to check a module, carepath.execute to run modules for one patient, "+
			"carepath.diagram to draw a module, and carepath.runs to inspect stored executions."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying server for tests or other transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: lintTool(), Handler: s.handleLint},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: runsTool(), Handler: s.handleRuns},
	}
}

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("carepath.validate",
		mcp.WithDescription("Load a module and report structural errors and warnings"),
		mcp.WithString("module", mcp.Description("Module name; omit to validate every module")),
	)
}

func lintTool() mcp.Tool {
	return mcp.NewTool("carepath.lint",
		mcp.WithDescription("Run structural and terminology checks on a module"),
		mcp.WithString("module", mcp.Description("Module name; omit to lint every module")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("carepath.execute",
		mcp.WithDescription("Execute modules for one synthetic patient and return the generated records"),
		mcp.WithArray("modules", mcp.Required(), mcp.Items(map[string]any{"type": "string"}),
			mcp.Description("Top-level modules to run, in order")),
		mcp.WithNumber("age", mcp.Required(), mcp.Description("Patient age in years")),
		mcp.WithString("patient_id", mcp.Description("Patient identifier (default: generated)")),
		mcp.WithNumber("seed", mcp.Description("Random seed (default: 1)")),
		mcp.WithBoolean("persist", mcp.Description("Store the run (default: true when a store is configured)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("carepath.diagram",
		mcp.WithDescription("Draw a module's state graph as ASCII, Mermaid, PNG or SVG, optionally overlaying a stored run"),
		mcp.WithString("module", mcp.Required(), mcp.Description("Module name")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image", "svg"),
			mcp.Description("ascii (text), mermaid (flowchart syntax), image (PNG) or svg"),
		),
		mcp.WithString("run_id", mcp.Description("Stored run whose trace is overlaid")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("carepath.runs",
		mcp.WithDescription("Get a stored run with its provenance and trace, or list runs"),
		mcp.WithString("run_id", mcp.Description("Run to fetch; omit to list")),
		mcp.WithString("cohort_id", mcp.Description("List filter: cohort")),
		mcp.WithString("patient_id", mcp.Description("List filter: patient")),
		mcp.WithNumber("limit", mcp.Description("List limit (default: 50)")),
	)
}
