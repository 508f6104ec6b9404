package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *SpendgateClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *SpendgateClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckBalance returns the agent's credit balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleUsageSummary returns the billing group's recent spend.
func (h *Handlers) HandleUsageSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetUsage(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get usage: %v", err)), nil
	}

	text, err := formatUsage(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListModels lists the priced models.
func (h *Handlers) HandleListModels(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListModels(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list models: %v", err)), nil
	}

	text, err := formatModels(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse models: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleEffectivePolicy shows the merged policy on the agent's chain.
func (h *Handlers) HandleEffectivePolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetPolicy(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get policy: %v", err)), nil
	}

	text, err := formatPolicy(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse policy: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatBalance(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Credit Balance:\n")
	if v, ok := getFloat(m, "balance"); ok {
		sb.WriteString(fmt.Sprintf("  Available: %.0f credits\n", v))
	}
	if v := getString(m, "billingGroupId"); v != "" {
		sb.WriteString(fmt.Sprintf("  Billing group: %s\n", v))
	}
	if v, ok := getFloat(m, "creditsPerUsd"); ok {
		sb.WriteString(fmt.Sprintf("  Rate: %.0f credits per USD\n", v))
	}
	if v := getString(m, "agentId"); v != "" {
		sb.WriteString(fmt.Sprintf("  Agent: %s\n", v))
	}

	return sb.String(), nil
}

func formatUsage(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	if v := getString(m, "groupId"); v != "" {
		sb.WriteString(fmt.Sprintf("Usage for billing group %s:\n", v))
	} else {
		sb.WriteString("Usage:\n")
	}
	if v, ok := getFloat(m, "creditsLast24h"); ok {
		sb.WriteString(fmt.Sprintf("  Last 24 hours: %.0f credits\n", v))
	}
	if v, ok := getFloat(m, "creditsLast7d"); ok {
		sb.WriteString(fmt.Sprintf("  Last 7 days:   %.0f credits\n", v))
	}

	agents, ok := m["topAgents"].([]any)
	if !ok || len(agents) == 0 {
		return sb.String(), nil
	}

	sb.WriteString("\nTop spenders:\n")
	for i, item := range agents {
		a, ok := item.(map[string]any)
		if !ok {
			continue
		}
		credits, _ := getFloat(a, "credits")
		sb.WriteString(fmt.Sprintf("  %d. %s: %.0f credits\n", i+1, getString(a, "agentId"), credits))
	}

	return sb.String(), nil
}

func formatModels(raw json.RawMessage) (string, error) {
	var resp struct {
		Models []map[string]any `json:"models"`
	}
	// Try as {"models": [...]}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Models == nil {
		// Try as direct array
		if err := json.Unmarshal(raw, &resp.Models); err != nil {
			return "", fmt.Errorf("unexpected models response format")
		}
	}

	if len(resp.Models) == 0 {
		return "No models are priced yet.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d priced model(s):\n\n", len(resp.Models)))
	for i, m := range resp.Models {
		sb.WriteString(fmt.Sprintf("%d. %s/%s\n", i+1, getString(m, "provider"), getString(m, "model")))
		sb.WriteString(fmt.Sprintf("   Input: $%s per 1K tokens | Output: $%s per 1K tokens\n",
			getString(m, "inputCostPer1k"), getString(m, "outputCostPer1k")))
	}
	return sb.String(), nil
}

func formatPolicy(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Effective Policy:\n")

	if models, ok := m["allowedModels"].([]any); ok {
		names := make([]string, 0, len(models))
		for _, v := range models {
			if s, ok := v.(string); ok {
				names = append(names, s)
			}
		}
		if len(names) == 0 {
			// An empty allowlist blocks every model.
			sb.WriteString("  Allowed models: none (every model is blocked)\n")
		} else {
			sb.WriteString(fmt.Sprintf("  Allowed models: %s\n", strings.Join(names, ", ")))
		}
	} else {
		sb.WriteString("  Allowed models: all\n")
	}

	if v, ok := getFloat(m, "maxInputTokens"); ok {
		sb.WriteString(fmt.Sprintf("  Max input tokens: %.0f\n", v))
	}
	if v, ok := getFloat(m, "maxOutputTokens"); ok {
		sb.WriteString(fmt.Sprintf("  Max output tokens: %.0f\n", v))
	}
	if v, ok := getFloat(m, "rpmLimit"); ok {
		sb.WriteString(fmt.Sprintf("  Rate limit: %.0f requests/minute\n", v))
	}

	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
