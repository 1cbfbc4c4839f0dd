package registry

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammcj/privsearch/internal/tools"
)

type stubTool struct {
	name string
}

func (s stubTool) Definition() mcp.Tool { return mcp.NewTool(s.name) }

func (s stubTool) Execute(_ context.Context, _ *logrus.Logger, _ *sync.Map, _ map[string]any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(s.name), nil
}

type helpTool struct{ stubTool }

func (helpTool) ProvideExtendedInfo() *tools.ExtendedHelp { return &tools.ExtendedHelp{WhenToUse: "always"} }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New(testLogger())
	assert.True(t, r.Register(stubTool{name: "search_health"}))
	assert.True(t, r.Register(helpTool{stubTool{name: "private_search"}}))

	tool, ok := r.Get("private_search")
	require.True(t, ok)
	assert.Equal(t, "private_search", tool.Definition().Name)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"private_search", "search_health"}, r.Names())
	assert.Equal(t, []string{"private_search"}, r.NamesWithExtendedHelp())
	assert.Len(t, r.Tools(), 2)
	assert.NotNil(t, r.Cache())
	assert.NotNil(t, r.Logger())
}

func TestRegistry_DisabledTools(t *testing.T) {
	t.Setenv("DISABLED_TOOLS", " search-suggestions , ,SEARCH_HEALTH")
	r := New(testLogger())

	assert.True(t, r.IsDisabled("search_suggestions"))
	assert.True(t, r.IsDisabled("search-health"))
	assert.False(t, r.IsDisabled("private_search"))

	assert.False(t, r.Register(stubTool{name: "search_suggestions"}))
	assert.True(t, r.Register(stubTool{name: "private_search"}))
	assert.Equal(t, []string{"private_search"}, r.Names())
}

func TestRegistry_InstancesAreIndependent(t *testing.T) {
	a := New(testLogger())
	b := New(testLogger())
	a.Register(stubTool{name: "private_search"})
	assert.Empty(t, b.Names())
}

func BenchmarkNormaliseName(b *testing.B) {
	names := []string{"private_search", "search-suggestions", "Search_Health"}
	b.ReportAllocs()
	for b.Loop() {
		for _, name := range names {
			_ = normaliseName(name)
		}
	}
}
