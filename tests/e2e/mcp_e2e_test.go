package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cpmcp "github.com/rendis/carepath/pkg/mcp"
)

func newMCPServer(t *testing.T) (*harness, *cpmcp.Server) {
	t.Helper()
	h := newHarness(t)
	srv := cpmcp.NewServer(cpmcp.ServerDeps{
		Modules: h.loader,
		Store:   h.store,
		Now:     func() time.Time { return refNow },
	})
	return h, srv
}

// callTool invokes a tool through HandleMessage (full JSON-RPC round-trip).
func callTool(t *testing.T, srv *cpmcp.Server, toolName string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	mcpSrv := srv.MCPServer()

	rawInit, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "e2e-test", "version": "1.0.0"},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, mcpSrv.HandleMessage(ctx, rawInit))

	rawReq, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": toolName, "arguments": args},
	})
	require.NoError(t, err)
	resp := mcpSrv.HandleMessage(ctx, rawReq)
	require.NotNil(t, resp)

	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)
	var rpcResp struct {
		Result *mcp.CallToolResult `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &rpcResp))
	if rpcResp.Error != nil {
		t.Fatalf("JSON-RPC error: code=%d, msg=%s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	require.NotNil(t, rpcResp.Result)
	return rpcResp.Result
}

func extractJSON(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func TestMCP_LintAllExamples(t *testing.T) {
	_, srv := newMCPServer(t)

	res := callTool(t, srv, "carepath.lint", map[string]any{})
	require.False(t, res.IsError)

	var out struct {
		Modules []struct {
			Module string `json:"module"`
			Valid  bool   `json:"valid"`
		} `json:"modules"`
	}
	extractJSON(t, res, &out)
	require.Len(t, out.Modules, 4)
	for _, m := range out.Modules {
		assert.True(t, m.Valid, m.Module)
	}
}

func TestMCP_ExecuteThenInspect(t *testing.T) {
	_, srv := newMCPServer(t)

	res := callTool(t, srv, "carepath.execute", map[string]any{
		"modules":    []any{"hypertension"},
		"age":        70,
		"seed":       11,
		"patient_id": "p-70",
	})
	require.False(t, res.IsError, mcp.GetTextFromContent(res.Content[0]))

	var exec struct {
		RunID  string `json:"run_id"`
		Result struct {
			Encounters []map[string]any `json:"encounters"`
		} `json:"result"`
	}
	extractJSON(t, res, &exec)
	require.NotEmpty(t, exec.RunID)
	require.Len(t, exec.Result.Encounters, 1)

	res = callTool(t, srv, "carepath.runs", map[string]any{"patient_id": "p-70"})
	require.False(t, res.IsError)
	var list struct {
		Runs []struct {
			ID        string `json:"id"`
			PatientID string `json:"patient_id"`
		} `json:"runs"`
	}
	extractJSON(t, res, &list)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, exec.RunID, list.Runs[0].ID)

	res = callTool(t, srv, "carepath.diagram", map[string]any{
		"module": "hypertension",
		"format": "mermaid",
		"run_id": exec.RunID,
	})
	require.False(t, res.IsError)
	assert.Contains(t, mcp.GetTextFromContent(res.Content[0]), "==>")
}

func TestMCP_ExecuteUnknownModule(t *testing.T) {
	_, srv := newMCPServer(t)

	res := callTool(t, srv, "carepath.execute", map[string]any{
		"modules": []any{"nope"},
		"age":     40,
	})
	assert.True(t, res.IsError)
}
