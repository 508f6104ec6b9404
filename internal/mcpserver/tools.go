package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the spendgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your billing group's current credit balance on the platform. "+
			"Shows available credits and the group's conversion rate from USD. "+
			"Use this before expensive requests to avoid being refused mid-task."),
)

var ToolUsageSummary = mcp.NewTool("usage_summary",
	mcp.WithDescription(
		"Summarize your billing group's recent spend: credits used in the last "+
			"24 hours and the last 7 days, plus the top-spending agents in the group."),
)

var ToolListModels = mcp.NewTool("list_models",
	mcp.WithDescription(
		"List every model the gateway prices, with input and output cost per 1K "+
			"tokens in USD. Your effective policy may still restrict which of these "+
			"you are allowed to call; check effective_policy for that."),
)

var ToolEffectivePolicy = mcp.NewTool("effective_policy",
	mcp.WithDescription(
		"Show the merged policy that applies to your next request: allowed models, "+
			"token caps, and rate limits, combined from every level of your "+
			"organization hierarchy. The most restrictive setting at any level wins."),
)
