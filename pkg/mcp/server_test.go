package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 5)

	tests := []struct {
		name        string
		description string
	}{
		{"carepath.validate", "Load a module and report structural errors and warnings"},
		{"carepath.lint", "Run structural and terminology checks on a module"},
		{"carepath.execute", "Execute modules for one synthetic patient and return the generated records"},
		{"carepath.diagram", "Draw a module's state graph as ASCII, Mermaid, PNG or SVG, optionally overlaying a stored run"},
		{"carepath.runs", "Get a stored run with its provenance and trace, or list runs"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.name)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
