package privatesearch

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/sammcj/privsearch/internal/tools"
	"github.com/sammcj/privsearch/internal/tools/internetsearch"
)

// SuggestionsTool returns query completions
type SuggestionsTool struct {
	searcher Searcher
}

type suggestionsResult struct {
	Query       string   `json:"query"`
	Suggestions []string `json:"suggestions"`
}

// Definition returns the tool's definition for MCP registration
func (t *SuggestionsTool) Definition() mcp.Tool {
	return mcp.NewTool("search_suggestions",
		mcp.WithDescription("Suggest up to eight completions for a partial search query, from sources that offer autocomplete and from recent searches."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Partial query"),
		),
	)
}

// Execute returns suggestions for the query
func (t *SuggestionsTool) Execute(ctx context.Context, logger *logrus.Logger, _ *sync.Map, args map[string]any) (*mcp.CallToolResult, error) {
	query, err := tools.RequireString(args, "query")
	if err != nil {
		return nil, err
	}
	suggestions := t.searcher.Suggestions(ctx, query)
	logger.WithField("count", len(suggestions)).Debug("Returning search suggestions")
	return internetsearch.NewToolResultJSON(suggestionsResult{Query: query, Suggestions: suggestions})
}

// HealthTool reports source and pipeline health
type HealthTool struct {
	searcher Searcher
}

// Definition returns the tool's definition for MCP registration
func (t *HealthTool) Definition() mcp.Tool {
	return mcp.NewTool("search_health",
		mcp.WithDescription("Report which search sources are reachable, their circuit breaker state, queue depth and cache sizes. Makes no network calls."),
	)
}

// Execute returns the health report
func (t *HealthTool) Execute(ctx context.Context, _ *logrus.Logger, _ *sync.Map, _ map[string]any) (*mcp.CallToolResult, error) {
	return internetsearch.NewToolResultJSON(t.searcher.CheckHealth(ctx))
}
