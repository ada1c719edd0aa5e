package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all risk tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("atmrisk", "1.0.0")
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolScoreSnapshots, h.HandleScoreSnapshots)
	s.AddTool(ToolScoreDevices, h.HandleScoreDevices)
	s.AddTool(ToolGetDeviceFeatures, h.HandleGetDeviceFeatures)
	s.AddTool(ToolGetAssessments, h.HandleGetAssessments)
	s.AddTool(ToolModelStatus, h.HandleModelStatus)
	s.AddTool(ToolStartCorpusBuild, h.HandleStartCorpusBuild)
	s.AddTool(ToolGetCorpusBuild, h.HandleGetCorpusBuild)

	return s
}
