// Package tools defines the contract for the MCP tools served by privsearch.
package tools

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sirupsen/logrus"
)

// Tool is one MCP tool. Implementations are stateless apart from what they
// reach through the engine they wrap; cache is the registry's shared map.
type Tool interface {
	Definition() mcp.Tool
	Execute(ctx context.Context, logger *logrus.Logger, cache *sync.Map, args map[string]any) (*mcp.CallToolResult, error)
}

// ExtendedHelpProvider is implemented by tools with usage notes beyond their schema
type ExtendedHelpProvider interface {
	ProvideExtendedInfo() *ExtendedHelp
}

// ExtendedHelp describes how and when to call a search tool
type ExtendedHelp struct {
	Examples         []ToolExample        `json:"examples,omitempty"`
	CommonPatterns   []string             `json:"common_patterns,omitempty"`
	Troubleshooting  []TroubleshootingTip `json:"troubleshooting,omitempty"`
	ParameterDetails map[string]string    `json:"parameter_details,omitempty"`
	WhenToUse        string               `json:"when_to_use,omitempty"`
	WhenNotToUse     string               `json:"when_not_to_use,omitempty"`
}

// ToolExample is one sample call
type ToolExample struct {
	Description    string         `json:"description"`
	Arguments      map[string]any `json:"arguments"`
	ExpectedResult string         `json:"expected_result,omitempty"`
}

// TroubleshootingTip pairs a symptom with a fix
type TroubleshootingTip struct {
	Problem  string `json:"problem"`
	Solution string `json:"solution"`
}

// HelpFor returns the extended help of t, or nil when it has none
func HelpFor(t Tool) *ExtendedHelp {
	if p, ok := t.(ExtendedHelpProvider); ok {
		return p.ProvideExtendedInfo()
	}
	return nil
}

// RequireString returns the named argument as a non-blank string
func RequireString(args map[string]any, name string) (string, error) {
	v, ok := args[name].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("missing or invalid required parameter: %s", name)
	}
	return v, nil
}

// Render writes h as plain text. Parameter details are sorted by name.
func (h *ExtendedHelp) Render(w io.Writer) error {
	var b strings.Builder
	if h.WhenToUse != "" {
		fmt.Fprintf(&b, "When to use: %s\n", h.WhenToUse)
	}
	if h.WhenNotToUse != "" {
		fmt.Fprintf(&b, "When not to use: %s\n", h.WhenNotToUse)
	}
	if len(h.ParameterDetails) > 0 {
		b.WriteString("\nParameters:\n")
		for _, name := range slices.Sorted(maps.Keys(h.ParameterDetails)) {
			fmt.Fprintf(&b, "  %s: %s\n", name, h.ParameterDetails[name])
		}
	}
	if len(h.Examples) > 0 {
		b.WriteString("\nExamples:\n")
		for _, ex := range h.Examples {
			fmt.Fprintf(&b, "  %s\n", ex.Description)
			for _, k := range slices.Sorted(maps.Keys(ex.Arguments)) {
				fmt.Fprintf(&b, "    --%s=%v\n", k, ex.Arguments[k])
			}
			if ex.ExpectedResult != "" {
				fmt.Fprintf(&b, "    -> %s\n", ex.ExpectedResult)
			}
		}
	}
	if len(h.CommonPatterns) > 0 {
		b.WriteString("\nPatterns:\n")
		for _, p := range h.CommonPatterns {
			fmt.Fprintf(&b, "  - %s\n", p)
		}
	}
	if len(h.Troubleshooting) > 0 {
		b.WriteString("\nTroubleshooting:\n")
		for _, tip := range h.Troubleshooting {
			fmt.Fprintf(&b, "  %s\n    %s\n", tip.Problem, tip.Solution)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
