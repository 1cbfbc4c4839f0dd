package privatesearch

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/sammcj/privsearch/internal/aggregator"
	"github.com/sammcj/privsearch/internal/registry"
	"github.com/sammcj/privsearch/internal/tools"
	"github.com/sammcj/privsearch/internal/tools/internetsearch"
)

type fakeSearcher struct {
	queries []aggregator.Query
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, q aggregator.Query) (*aggregator.Response, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return &aggregator.Response{}, f.err
	}
	return &aggregator.Response{
		Results:    []internetsearch.SearchResult{{Title: "Weather", URL: "https://weather.example/?a=1&b=2", Source: "duckduckgo"}},
		TotalCount: 1,
		Page:       1,
		Sources:    []string{"duckduckgo"},
	}, nil
}

func (f *fakeSearcher) Suggestions(_ context.Context, query string) []string {
	return []string{query + " today", query + " tomorrow"}
}

func (f *fakeSearcher) CheckHealth(context.Context) aggregator.Health {
	return aggregator.Health{Status: aggregator.StatusHealthy, Version: "test"}
}

func (f *fakeSearcher) Providers() []string { return []string{"duckduckgo", "wikipedia"} }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestSearchTool_Definition(t *testing.T) {
	def := NewSearchTool(&fakeSearcher{}).Definition()
	assert.Equal(t, "private_search", def.Name)
	assert.Contains(t, def.Description, "duckduckgo, wikipedia")
	assert.Equal(t, []string{"query"}, def.InputSchema.Required)
	for _, p := range []string{"query", "page", "limit", "sources", "exclude_domains", "safe_search"} {
		assert.Contains(t, def.InputSchema.Properties, p)
	}
}

func TestSearchTool_ExecuteMapsArguments(t *testing.T) {
	s := &fakeSearcher{}
	res, err := NewSearchTool(s).Execute(context.Background(), testLogger(), nil, map[string]any{
		"query":           "weather",
		"page":            float64(2),
		"limit":           float64(5),
		"sources":         []any{"duckduckgo", " ", "wikipedia"},
		"exclude_domains": "pinterest.com, example.org",
		"safe_search":     true,
	})
	require.NoError(t, err)

	require.Len(t, s.queries, 1)
	q := s.queries[0]
	assert.Equal(t, "weather", q.Text)
	assert.Equal(t, 2, q.Page)
	assert.Equal(t, 5, q.Limit)
	assert.Equal(t, []string{"duckduckgo", "wikipedia"}, q.Filters.Sources)
	assert.Equal(t, []string{"pinterest.com", "example.org"}, q.Filters.ExcludeDomains)
	assert.True(t, q.Filters.SafeSearch)

	body := resultText(t, res)
	assert.Equal(t, "https://weather.example/?a=1&b=2", gjson.Get(body, "results.0.url").String())
	assert.Contains(t, body, "?a=1&b=2")
	assert.Equal(t, int64(1), gjson.Get(body, "total_count").Int())
}

func TestSearchTool_ExecuteErrors(t *testing.T) {
	s := &fakeSearcher{}
	_, err := NewSearchTool(s).Execute(context.Background(), testLogger(), nil, map[string]any{"query": "  "})
	assert.ErrorContains(t, err, "query")
	assert.Empty(t, s.queries)

	s.err = errors.New("query exceeds 512 characters")
	_, err = NewSearchTool(s).Execute(context.Background(), testLogger(), nil, map[string]any{"query": "x"})
	assert.ErrorContains(t, err, "search failed")
}

func TestSuggestionsAndHealthTools(t *testing.T) {
	s := &fakeSearcher{}

	res, err := (&SuggestionsTool{searcher: s}).Execute(context.Background(), testLogger(), nil, map[string]any{"query": "weather"})
	require.NoError(t, err)
	body := resultText(t, res)
	assert.Equal(t, "weather", gjson.Get(body, "query").String())
	assert.Equal(t, "weather tomorrow", gjson.Get(body, "suggestions.1").String())

	_, err = (&SuggestionsTool{searcher: s}).Execute(context.Background(), testLogger(), nil, map[string]any{})
	assert.Error(t, err)

	res, err = (&HealthTool{searcher: s}).Execute(context.Background(), testLogger(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "healthy", gjson.Get(resultText(t, res), "status").String())
}

func TestRegister(t *testing.T) {
	t.Setenv("DISABLED_TOOLS", "search_health")
	reg := registry.New(testLogger())
	Register(reg, &fakeSearcher{})

	assert.Equal(t, []string{"private_search", "search_suggestions"}, reg.Names())
	assert.Equal(t, []string{"private_search"}, reg.NamesWithExtendedHelp())

	tool, ok := reg.Get("private_search")
	require.True(t, ok)
	help := tool.(tools.ExtendedHelpProvider).ProvideExtendedInfo()
	assert.NotEmpty(t, help.Examples)
	assert.Contains(t, help.ParameterDetails, "exclude_domains")
}
