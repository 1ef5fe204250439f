package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/carepath/internal/loader"
	"github.com/rendis/carepath/internal/store"
)

var refNow = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

const asthmaModule = `
states:
  start:
    type: start
    transitions: [{to: visit}]
  visit:
    type: encounter
    name: Asthma review
    transitions: [{to: diagnose}]
  diagnose:
    type: condition_onset
    conditions: [{name: Asthma, code: J45.909, system: ICD-10-CM}]
    transitions: [{to: inhaler}]
  inhaler:
    type: medication_start
    medications: [{name: Albuterol, code: "745679", system: RxNorm}]
    transitions: [{to: end}]
`

// uncoded passes structural checks but fails the terminology lint.
const uncodedModule = `
states:
  start:
    type: start
    transitions: [{to: diagnose}]
  diagnose:
    type: condition_onset
    conditions: [Asthma]
    transitions: [{to: end}]
`

const brokenModule = `
states:
  start:
    type: start
    transitions: [{to: nowhere}]
`

func testServer(t *testing.T, withStore bool) (*Server, *store.LibSQLStore) {
	t.Helper()
	l, err := loader.New(fstest.MapFS{
		"asthma.yaml":  &fstest.MapFile{Data: []byte(asthmaModule)},
		"uncoded.yaml": &fstest.MapFile{Data: []byte(uncodedModule)},
		"broken.yaml":  &fstest.MapFile{Data: []byte(brokenModule)},
	}, nil)
	require.NoError(t, err)

	deps := ServerDeps{Modules: l, Now: func() time.Time { return refNow }}
	var db *store.LibSQLStore
	if withStore {
		db, err = store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		require.NoError(t, db.Migrate(context.Background()))
		deps.Store = db
	}
	return NewServer(deps), db
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "first content is %T", res.Content[0])
	return text.Text
}

func decode(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	return out
}

func TestValidateTool(t *testing.T) {
	s, _ := testServer(t, false)
	ctx := context.Background()

	res, err := s.handleValidate(ctx, buildRequest("carepath.validate", map[string]any{"module": "asthma"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, true, decode(t, res)["valid"])

	res, err = s.handleValidate(ctx, buildRequest("carepath.validate", map[string]any{"module": "broken"}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, false, out["valid"])
	assert.Contains(t, resultText(t, res), "nowhere")

	res, err = s.handleValidate(ctx, buildRequest("carepath.validate", map[string]any{"module": "missing"}))
	require.NoError(t, err)
	assert.Contains(t, decode(t, res)["error"], "missing")

	// No module: every module the source lists.
	res, err = s.handleValidate(ctx, buildRequest("carepath.validate", nil))
	require.NoError(t, err)
	assert.Len(t, decode(t, res)["modules"], 3)
}

func TestLintTool(t *testing.T) {
	s, _ := testServer(t, false)
	ctx := context.Background()

	res, err := s.handleValidate(ctx, buildRequest("carepath.validate", map[string]any{"module": "uncoded"}))
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, res)["valid"])

	res, err = s.handleLint(ctx, buildRequest("carepath.lint", map[string]any{"module": "uncoded"}))
	require.NoError(t, err)
	assert.Equal(t, false, decode(t, res)["valid"])

	res, err = s.handleLint(ctx, buildRequest("carepath.lint", map[string]any{"module": "asthma"}))
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, res)["valid"])
}

func TestExecuteTool(t *testing.T) {
	s, db := testServer(t, true)
	ctx := context.Background()

	res, err := s.handleExecute(ctx, buildRequest("carepath.execute", map[string]any{
		"modules":    []any{"asthma"},
		"age":        30,
		"patient_id": "p-7",
		"seed":       9,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	out := decode(t, res)
	result := out["result"].(map[string]any)
	assert.Len(t, result["encounters"], 1)
	assert.Len(t, result["conditions"], 1)
	assert.Len(t, result["medications"], 1)

	runID, _ := out["run_id"].(string)
	require.NotEmpty(t, runID)
	run, err := db.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "p-7", run.PatientID)
	assert.Equal(t, int64(9), run.Seed)
	assert.Len(t, run.Trace, 4)

	// Same seed, same records.
	again, err := s.handleExecute(ctx, buildRequest("carepath.execute", map[string]any{
		"modules": []any{"asthma"}, "age": 30, "patient_id": "p-7", "seed": 9, "persist": false,
	}))
	require.NoError(t, err)
	assert.Equal(t, result, decode(t, again)["result"])
	assert.Nil(t, decode(t, again)["run_id"])
}

func TestExecuteTool_Errors(t *testing.T) {
	s, _ := testServer(t, false)
	ctx := context.Background()

	res, err := s.handleExecute(ctx, buildRequest("carepath.execute", map[string]any{"age": 30}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleExecute(ctx, buildRequest("carepath.execute", map[string]any{"modules": []any{"asthma"}}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = s.handleExecute(ctx, buildRequest("carepath.execute", map[string]any{"modules": []any{"broken"}, "age": 30}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "load modules")
}

func TestDiagramTool(t *testing.T) {
	s, _ := testServer(t, true)
	ctx := context.Background()

	res, err := s.handleDiagram(ctx, buildRequest("carepath.diagram", map[string]any{"module": "asthma", "format": "mermaid"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "graph TD")

	res, err = s.handleDiagram(ctx, buildRequest("carepath.diagram", map[string]any{"module": "asthma", "format": "ascii"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "=== asthma ===")

	res, err = s.handleDiagram(ctx, buildRequest("carepath.diagram", map[string]any{"module": "asthma", "format": "image"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var img *mcp.ImageContent
	for _, c := range res.Content {
		if ic, ok := c.(mcp.ImageContent); ok {
			img = &ic
		}
	}
	require.NotNil(t, img)
	assert.Equal(t, "image/png", img.MIMEType)

	res, err = s.handleDiagram(ctx, buildRequest("carepath.diagram", map[string]any{"module": "asthma", "format": "pdf"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestDiagramTool_RunOverlay(t *testing.T) {
	s, _ := testServer(t, true)
	ctx := context.Background()

	res, err := s.handleExecute(ctx, buildRequest("carepath.execute", map[string]any{"modules": []any{"asthma"}, "age": 40}))
	require.NoError(t, err)
	runID := decode(t, res)["run_id"].(string)

	res, err = s.handleDiagram(ctx, buildRequest("carepath.diagram", map[string]any{
		"module": "asthma", "format": "mermaid", "run_id": runID,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "class inhaler visited")

	res, err = s.handleDiagram(ctx, buildRequest("carepath.diagram", map[string]any{
		"module": "asthma", "format": "mermaid", "run_id": "nope",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "visited")
}

func TestRunsTool(t *testing.T) {
	s, _ := testServer(t, true)
	ctx := context.Background()

	for _, pid := range []string{"a", "b"} {
		res, err := s.handleExecute(ctx, buildRequest("carepath.execute", map[string]any{
			"modules": []any{"asthma"}, "age": 50, "patient_id": pid,
		}))
		require.NoError(t, err)
		require.False(t, res.IsError)
	}

	res, err := s.handleRuns(ctx, buildRequest("carepath.runs", nil))
	require.NoError(t, err)
	runs := decode(t, res)["runs"].([]any)
	require.Len(t, runs, 2)

	res, err = s.handleRuns(ctx, buildRequest("carepath.runs", map[string]any{"patient_id": "a"}))
	require.NoError(t, err)
	runs = decode(t, res)["runs"].([]any)
	require.Len(t, runs, 1)
	id := runs[0].(map[string]any)["id"].(string)

	res, err = s.handleRuns(ctx, buildRequest("carepath.runs", map[string]any{"run_id": id}))
	require.NoError(t, err)
	assert.Equal(t, "a", decode(t, res)["patient_id"])

	res, err = s.handleRuns(ctx, buildRequest("carepath.runs", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRunsTool_NoStore(t *testing.T) {
	s, _ := testServer(t, false)
	res, err := s.handleRuns(context.Background(), buildRequest("carepath.runs", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
