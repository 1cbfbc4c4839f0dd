package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammcj/privsearch/internal/aggregator"
	"github.com/sammcj/privsearch/internal/registry"
	"github.com/sammcj/privsearch/internal/tools"
	"github.com/sammcj/privsearch/internal/tools/internetsearch"
)

func init() {
	color.NoColor = true
}

type echoTool struct {
	got map[string]any
}

func (e *echoTool) Definition() mcp.Tool {
	return mcp.NewTool("private_search",
		mcp.WithDescription("Search privately.\nMore detail."),
		mcp.WithString("query", mcp.Required()),
		mcp.WithNumber("page"),
		mcp.WithBoolean("safe_search"),
		mcp.WithArray("exclude_domains"),
	)
}

func (e *echoTool) Execute(_ context.Context, _ *logrus.Logger, _ *sync.Map, args map[string]any) (*mcp.CallToolResult, error) {
	e.got = args
	return mcp.NewToolResultText("ok"), nil
}

func testRegistry(t *testing.T) (*registry.Registry, *echoTool) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	reg := registry.New(logger)
	tool := &echoTool{}
	reg.Register(tool)
	return reg, tool
}

func sampleResponse() *aggregator.Response {
	return &aggregator.Response{
		Results: []internetsearch.SearchResult{
			{Title: "Weather today", URL: "https://weather.example/today", Snippet: "Sunny", Domain: "weather.example", Source: "brave", Score: 0.9},
		},
		TotalCount:  3,
		Page:        1,
		HasMore:     true,
		SearchTime:  12,
		Sources:     []string{"brave"},
		Suggestions: []string{"weather tomorrow"},
		Errors:      []aggregator.ProviderError{{Provider: "kagi", Kind: "rate_limit", Message: "rate limited"}},
	}
}

func TestRunner_RenderSearchText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRunner(nil, &buf, OutputText).RenderSearch(sampleResponse()))

	out := buf.String()
	assert.Contains(t, out, " 1. Weather today")
	assert.Contains(t, out, "https://weather.example/today")
	assert.Contains(t, out, "page 1 of 3 results from [brave] in 12ms, more available")
	assert.Contains(t, out, "! kagi: rate limited")
	assert.Contains(t, out, "Related: weather tomorrow")
}

func TestRunner_RenderSearchJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRunner(nil, &buf, OutputJSON).RenderSearch(sampleResponse()))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.EqualValues(t, 3, decoded["total_count"])
}

func TestRunner_RenderSuggestionsAndHealth(t *testing.T) {
	var buf bytes.Buffer
	r := NewRunner(nil, &buf, OutputText)
	require.NoError(t, r.RenderSuggestions("wea", nil))
	assert.Contains(t, buf.String(), "No suggestions.")

	buf.Reset()
	require.NoError(t, r.RenderHealth(aggregator.Health{
		Status:  aggregator.StatusDegraded,
		Version: "1.0.0",
		Uptime:  "5s",
		Checks: []aggregator.Check{
			{Name: "provider:brave", Status: aggregator.StatusUnhealthy, Details: map[string]any{"endpoints": map[string]any{"api.example": "open"}}},
		},
	}))
	out := buf.String()
	assert.Contains(t, out, "Status: degraded (version 1.0.0, up 5s)")
	assert.Contains(t, out, "endpoints={api.example=open}")
}

func TestRunner_RunToolParsesFlagsAndJSON(t *testing.T) {
	reg, tool := testRegistry(t)
	var buf bytes.Buffer
	r := NewRunner(reg, &buf, OutputText)

	err := r.RunTool(context.Background(), "private-search", []string{
		"--query", "weather",
		"--page=2",
		"--safe-search",
		"--exclude-domains=a.example,b.example",
		`{"query":"ignored","limit":5}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok\n", buf.String())
	assert.Equal(t, "weather", tool.got["query"])
	assert.Equal(t, 2.0, tool.got["page"])
	assert.Equal(t, true, tool.got["safe_search"])
	assert.Equal(t, []any{"a.example", "b.example"}, tool.got["exclude_domains"])
	assert.EqualValues(t, 5, tool.got["limit"])
}

func TestRunner_RunToolErrors(t *testing.T) {
	reg, _ := testRegistry(t)
	r := NewRunner(reg, io.Discard, OutputText)

	assert.ErrorContains(t, r.RunTool(context.Background(), "missing", nil), "unknown tool")
	assert.ErrorContains(t, r.RunTool(context.Background(), "private_search", []string{"--query"}), "requires a value")
	assert.ErrorContains(t, r.RunTool(context.Background(), "private_search", []string{"stray"}), "unexpected argument")
}

func TestRunner_ListTools(t *testing.T) {
	reg, _ := testRegistry(t)
	var buf bytes.Buffer
	require.NoError(t, NewRunner(reg, &buf, OutputText).ListTools())
	assert.Contains(t, buf.String(), "private_search")
	assert.Contains(t, buf.String(), "Search privately.")
	assert.NotContains(t, buf.String(), "More detail.")
}

type helpfulTool struct{ echoTool }

func (h *helpfulTool) Definition() mcp.Tool {
	return mcp.NewTool("search_suggestions", mcp.WithDescription("Suggest completions."))
}

func (h *helpfulTool) ProvideExtendedInfo() *tools.ExtendedHelp {
	return &tools.ExtendedHelp{
		WhenToUse:        "Refining a vague query",
		ParameterDetails: map[string]string{"query": "Partial query"},
	}
}

func TestRunner_ToolHelp(t *testing.T) {
	reg, _ := testRegistry(t)
	reg.Register(&helpfulTool{})

	var buf bytes.Buffer
	require.NoError(t, NewRunner(reg, &buf, OutputText).ToolHelp("search-suggestions"))
	out := buf.String()
	assert.Contains(t, out, "search_suggestions\n\nSuggest completions.")
	assert.Contains(t, out, "When to use: Refining a vague query")
	assert.Contains(t, out, "query: Partial query")

	buf.Reset()
	require.NoError(t, NewRunner(reg, &buf, OutputText).ToolHelp("private_search"))
	assert.Contains(t, buf.String(), "No extended help.")

	buf.Reset()
	require.NoError(t, NewRunner(reg, &buf, OutputJSON).ToolHelp("search_suggestions"))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "search_suggestions", decoded["name"])
	help, ok := decoded["extended_help"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Refining a vague query", help["when_to_use"])

	err := NewRunner(reg, &buf, OutputText).ToolHelp("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}

func TestParseOutputFormat(t *testing.T) {
	f, err := ParseOutputFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, OutputJSON, f)
	f, err = ParseOutputFormat("")
	require.NoError(t, err)
	assert.Equal(t, OutputText, f)
	_, err = ParseOutputFormat("yaml")
	assert.Error(t, err)
}
