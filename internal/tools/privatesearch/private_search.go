// Package privatesearch exposes the search engine as MCP tools.
package privatesearch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"

	"github.com/sammcj/privsearch/internal/aggregator"
	"github.com/sammcj/privsearch/internal/registry"
	"github.com/sammcj/privsearch/internal/tools"
	"github.com/sammcj/privsearch/internal/tools/internetsearch"
)

// Searcher is the engine surface the tools call
type Searcher interface {
	Search(ctx context.Context, q aggregator.Query) (*aggregator.Response, error)
	Suggestions(ctx context.Context, query string) []string
	CheckHealth(ctx context.Context) aggregator.Health
	Providers() []string
}

// Register adds all search tools to reg
func Register(reg *registry.Registry, s Searcher) {
	reg.Register(&SearchTool{searcher: s})
	reg.Register(&SuggestionsTool{searcher: s})
	reg.Register(&HealthTool{searcher: s})
}

// SearchTool runs an aggregated search across every configured source
type SearchTool struct {
	searcher Searcher
}

// NewSearchTool creates the private_search tool
func NewSearchTool(s Searcher) *SearchTool {
	return &SearchTool{searcher: s}
}

// Definition returns the tool's definition for MCP registration
func (t *SearchTool) Definition() mcp.Tool {
	providers := t.searcher.Providers()
	description := fmt.Sprintf(`Search the web through several sources at once without exposing a stable fingerprint.

Results are merged, de-duplicated and ranked with diverse sources first. Failing sources are reported in "errors" and never fail the whole search.

Available sources: [%s]

Examples:
- {"query": "golang context cancellation"}
- {"query": "rust borrow checker", "page": 2, "limit": 5}
- {"query": "weather", "sources": ["duckduckgo", "wikipedia"], "exclude_domains": ["pinterest.com"]}

Fetch a result URL afterwards if you need the full content.`, strings.Join(providers, ", "))

	return mcp.NewTool("private_search",
		mcp.WithDescription(description),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query"),
		),
		mcp.WithNumber("page",
			mcp.Description("Result page, starting at 1"),
			mcp.DefaultNumber(1),
		),
		mcp.WithNumber("limit",
			mcp.Description("Results per page"),
		),
		mcp.WithArray("sources",
			mcp.Description("Only query these sources"),
			mcp.Items(map[string]any{"type": "string", "enum": providers}),
		),
		mcp.WithArray("exclude_domains",
			mcp.Description("Drop results from these domains and their subdomains"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithBoolean("safe_search",
			mcp.Description("Ask sources to filter explicit content"),
			mcp.DefaultBool(false),
		),
	)
}

// Execute runs the search
func (t *SearchTool) Execute(ctx context.Context, logger *logrus.Logger, _ *sync.Map, args map[string]any) (*mcp.CallToolResult, error) {
	query, err := tools.RequireString(args, "query")
	if err != nil {
		return nil, err
	}

	q := aggregator.Query{
		Text:  query,
		Page:  intArg(args, "page"),
		Limit: intArg(args, "limit"),
		Filters: aggregator.Filters{
			Sources:        stringsArg(args, "sources"),
			ExcludeDomains: stringsArg(args, "exclude_domains"),
		},
	}
	if safe, ok := args["safe_search"].(bool); ok {
		q.Filters.SafeSearch = safe
	}

	logger.WithFields(logrus.Fields{
		"page":    q.Page,
		"limit":   q.Limit,
		"sources": q.Filters.Sources,
	}).Info("Executing private search")

	resp, err := t.searcher.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return internetsearch.NewToolResultJSON(resp)
}

// ProvideExtendedInfo provides detailed usage information for the search tool
func (t *SearchTool) ProvideExtendedInfo() *tools.ExtendedHelp {
	return &tools.ExtendedHelp{
		Examples: []tools.ToolExample{
			{
				Description:    "Basic search across all sources",
				Arguments:      map[string]any{"query": "golang best practices"},
				ExpectedResult: "Up to the default page size of merged results with the sources that answered",
			},
			{
				Description:    "Second page of a previous search",
				Arguments:      map[string]any{"query": "golang best practices", "page": 2},
				ExpectedResult: "The next slice of the same merged result set, served from cache",
			},
			{
				Description: "Restrict sources and drop a noisy domain",
				Arguments: map[string]any{
					"query":           "sourdough starter",
					"sources":         []string{"duckduckgo", "wikipedia"},
					"exclude_domains": []string{"pinterest.com"},
				},
				ExpectedResult: "Results only from DuckDuckGo and Wikipedia, with no pinterest.com links",
			},
		},
		CommonPatterns: []string{
			"Page through results with the same query; later pages never re-query sources",
			"Check the errors field to see which sources were rate limited or unavailable",
			"Use search_suggestions to refine a vague query before searching",
		},
		Troubleshooting: []tools.TroubleshootingTip{
			{
				Problem:  "Empty results with every source listed in errors",
				Solution: "Sources are rate limiting or their circuits are open. Wait a minute or run search_health to see which endpoints are failing.",
			},
			{
				Problem:  "Only DuckDuckGo and Wikipedia are available",
				Solution: "Set BRAVE_API_KEY, KAGI_API_KEY, GOOGLE_SEARCH_API_KEY with GOOGLE_SEARCH_ID, or SEARXNG_BASE_URL to enable more sources.",
			},
		},
		ParameterDetails: map[string]string{
			"query":           "Free text. Whitespace is collapsed and case is ignored when caching.",
			"page":            "1-based. Page 1 always queries the sources again; later pages reuse the cached set.",
			"limit":           "Clamped to the configured maximum.",
			"sources":         "Source names as listed in the tool description. Unknown names are ignored.",
			"exclude_domains": "Bare domains. Subdomains are excluded too.",
		},
		WhenToUse:    "Use for current information, research, or finding pages to fetch, when the query should not be tied to a single search provider.",
		WhenNotToUse: "Avoid for facts you already know or when you already have the URL to fetch.",
	}
}

// intArg reads a JSON number argument, returning 0 when absent
func intArg(args map[string]any, name string) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// stringsArg reads an array of strings or a comma separated string
func stringsArg(args map[string]any, name string) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch v := args[name].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case []string:
		for _, s := range v {
			add(s)
		}
	case string:
		for s := range strings.SplitSeq(v, ",") {
			add(s)
		}
	}
	return out
}
