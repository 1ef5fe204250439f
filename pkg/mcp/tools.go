package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/carepath/internal/diagram"
	"github.com/rendis/carepath/internal/engine"
	"github.com/rendis/carepath/internal/logging"
	"github.com/rendis/carepath/internal/store"
	"github.com/rendis/carepath/internal/validation"
	"github.com/rendis/carepath/pkg/schema"
)

const defaultListLimit = 50

func (s *Server) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.check(ctx, req, validation.Structural)
}

func (s *Server) handleLint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.check(ctx, req, validation.Lint)
}

// check runs pass over one named module or every module the source lists.
// Load failures are reported per module rather than failing the call.
func (s *Server) check(ctx context.Context, req mcp.CallToolRequest, pass validation.Pass) (*mcp.CallToolResult, error) {
	names := []string{req.GetString("module", "")}
	if names[0] == "" {
		all, err := s.modules.List()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list modules: %v", err)), nil
		}
		names = all
	}

	type report struct {
		Module string                   `json:"module"`
		Valid  bool                     `json:"valid"`
		Result *schema.ValidationResult `json:"result,omitempty"`
		Error  string                   `json:"error,omitempty"`
	}
	reports := make([]report, 0, len(names))
	for _, name := range names {
		def, err := s.modules.Load(name)
		if err != nil {
			s.logger.WarnContext(logging.WithModule(ctx, name), "module failed to load", "error", err)
			reports = append(reports, report{Module: name, Error: err.Error()})
			continue
		}
		res := pass(def)
		reports = append(reports, report{Module: name, Valid: res.Valid(), Result: res})
	}
	if len(reports) == 1 {
		return marshalResult(reports[0])
	}
	return marshalResult(map[string]any{"modules": reports})
}

func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	modules, err := req.RequireStringSlice("modules")
	if err != nil || len(modules) == 0 {
		return mcp.NewToolResultError("modules is required"), nil
	}
	age, err := req.RequireInt("age")
	if err != nil || age < 0 {
		return mcp.NewToolResultError("age must be a non-negative number"), nil
	}
	seed := int64(req.GetInt("seed", 1))
	patientID := req.GetString("patient_id", "")
	if patientID == "" {
		patientID = uuid.NewString()
	}

	opts := []engine.Option{engine.WithSeed(seed), engine.WithLogger(s.logger)}
	if s.now != nil {
		opts = append(opts, engine.WithNow(s.now))
	}
	eng, err := engine.NewEngine(s.modules, modules, opts...)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load modules: %v", err)), nil
	}

	ref := time.Now().UTC()
	if s.now != nil {
		ref = s.now()
	}
	patient := schema.Patient{ID: patientID, Age: age, BirthDate: ref.AddDate(-age, 0, 0)}
	res, err := eng.Execute(ctx, patient)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execute: %v", err)), nil
	}

	out := map[string]any{
		"patient":             patient,
		"result":              res,
		"categories_replaced": eng.CategoriesReplaced(),
	}
	if s.store != nil && req.GetBool("persist", true) {
		run, err := store.NewRun("", seed, patient, eng.Loaded(), res)
		if err == nil {
			err = s.store.SaveRun(ctx, run)
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("persist run: %v", err)), nil
		}
		out["run_id"] = run.ID
	}
	return marshalResult(out)
}

func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("module")
	if err != nil {
		return mcp.NewToolResultError("module is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	switch format {
	case "ascii", "mermaid", "image", "svg":
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, image or svg"), nil
	}

	def, err := s.modules.Load(name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load module: %v", err)), nil
	}

	var trace []schema.TraceStep
	if runID := req.GetString("run_id", ""); runID != "" {
		if s.store == nil {
			return mcp.NewToolResultError("run_id requires a configured store"), nil
		}
		entries, err := s.store.GetTrace(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load trace: %v", err)), nil
		}
		trace = make([]schema.TraceStep, 0, len(entries))
		for _, e := range entries {
			trace = append(trace, schema.TraceStep{Module: e.Module, State: e.State, Type: schema.StateType(e.Type), At: e.At})
		}
	}

	model, err := diagram.Build(def, trace)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "svg":
		svg, err := diagram.RenderSVG(model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("svg render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	default:
		png, err := diagram.RenderImage(model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage(name+" state graph", base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

func (s *Server) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("no run store configured"), nil
	}

	if id := req.GetString("run_id", ""); id != "" {
		run, err := s.store.GetRun(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("get run: %v", err)), nil
		}
		return marshalResult(run)
	}

	runs, err := s.store.ListRuns(ctx, store.RunFilter{
		CohortID:  req.GetString("cohort_id", ""),
		PatientID: req.GetString("patient_id", ""),
		Limit:     req.GetInt("limit", defaultListLimit),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs: %v", err)), nil
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
