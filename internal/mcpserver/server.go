package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all spendgate tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("spendgate", "1.0.0")
	client := NewSpendgateClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolUsageSummary, h.HandleUsageSummary)
	s.AddTool(ToolListModels, h.HandleListModels)
	s.AddTool(ToolEffectivePolicy, h.HandleEffectivePolicy)

	return s
}
