// Package cli renders search results for the terminal and invokes the MCP
// tools in-process, without a server round-trip.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sammcj/privsearch/internal/aggregator"
	"github.com/sammcj/privsearch/internal/registry"
	"github.com/sammcj/privsearch/internal/tools"
)

// OutputFormat controls how results are rendered.
type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" or "json"
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", s)
	}
}

// Runner renders engine output and runs registered tools.
type Runner struct {
	reg    *registry.Registry
	out    io.Writer
	output OutputFormat

	title  func(a ...any) string
	link   func(a ...any) string
	dim    func(a ...any) string
	good   func(a ...any) string
	warn   func(a ...any) string
	bad    func(a ...any) string
	header func(a ...any) string
}

// NewRunner creates a Runner writing to out. reg may be nil when only the
// render methods are used.
func NewRunner(reg *registry.Registry, out io.Writer, output OutputFormat) *Runner {
	return &Runner{
		reg:    reg,
		out:    out,
		output: output,
		title:  color.New(color.FgCyan, color.Bold).SprintFunc(),
		link:   color.New(color.FgBlue, color.Underline).SprintFunc(),
		dim:    color.New(color.FgHiBlack).SprintFunc(),
		good:   color.New(color.FgGreen).SprintFunc(),
		warn:   color.New(color.FgYellow).SprintFunc(),
		bad:    color.New(color.FgRed, color.Bold).SprintFunc(),
		header: color.New(color.Bold).SprintFunc(),
	}
}

// RenderSearch prints a search response
func (r *Runner) RenderSearch(resp *aggregator.Response) error {
	if r.output == OutputJSON {
		return writeJSON(r.out, resp)
	}

	if len(resp.Results) == 0 {
		fmt.Fprintln(r.out, r.warn("No results."))
	}
	for i, res := range resp.Results {
		fmt.Fprintf(r.out, "%s %s\n", r.dim(fmt.Sprintf("%2d.", i+1)), r.title(res.Title))
		fmt.Fprintf(r.out, "    %s\n", r.link(res.URL))
		if res.Snippet != "" {
			fmt.Fprintf(r.out, "    %s\n", res.Snippet)
		}
		fmt.Fprintf(r.out, "    %s\n", r.dim(fmt.Sprintf("%s · %s · %.2f", res.Source, res.Domain, res.Score)))
	}

	more := ""
	if resp.HasMore {
		more = ", more available"
	}
	fmt.Fprintf(r.out, "\n%s\n", r.dim(fmt.Sprintf("page %d of %d results from [%s] in %.0fms%s",
		resp.Page, resp.TotalCount, strings.Join(resp.Sources, ", "), resp.SearchTime, more)))

	for _, e := range resp.Errors {
		name := e.Provider
		if name == "" {
			name = "search"
		}
		fmt.Fprintf(r.out, "%s %s: %s\n", r.warn("!"), name, e.Message)
	}
	if len(resp.Suggestions) > 0 {
		fmt.Fprintf(r.out, "%s %s\n", r.header("Related:"), strings.Join(resp.Suggestions, ", "))
	}
	return nil
}

// RenderSuggestions prints query completions one per line
func (r *Runner) RenderSuggestions(query string, suggestions []string) error {
	if r.output == OutputJSON {
		return writeJSON(r.out, map[string]any{"query": query, "suggestions": suggestions})
	}
	if len(suggestions) == 0 {
		fmt.Fprintln(r.out, r.warn("No suggestions."))
		return nil
	}
	for _, s := range suggestions {
		fmt.Fprintln(r.out, s)
	}
	return nil
}

// RenderHealth prints a health report
func (r *Runner) RenderHealth(h aggregator.Health) error {
	if r.output == OutputJSON {
		return writeJSON(r.out, h)
	}

	fmt.Fprintf(r.out, "%s %s (version %s, up %s)\n", r.header("Status:"), r.status(h.Status), h.Version, h.Uptime)
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	for _, c := range h.Checks {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", c.Name, r.status(c.Status), c.Message, formatDetails(c.Details))
	}
	return w.Flush()
}

func (r *Runner) status(s string) string {
	switch s {
	case aggregator.StatusHealthy:
		return r.good(s)
	case aggregator.StatusDegraded:
		return r.warn(s)
	default:
		return r.bad(s)
	}
}

// formatDetails renders a details map as sorted key=value pairs
func formatDetails(details map[string]any) string {
	keys := slices.Sorted(maps.Keys(details))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := details[k].(type) {
		case map[string]any:
			parts = append(parts, fmt.Sprintf("%s={%s}", k, formatDetails(v)))
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return strings.Join(parts, " ")
}

// ListTools prints all registered tools with their descriptions.
func (r *Runner) ListTools() error {
	type entry struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	registered := r.reg.Tools()
	entries := make([]entry, 0, len(registered))
	for _, name := range r.reg.Names() {
		entries = append(entries, entry{Name: name, Description: firstLine(registered[name].Definition().Description)})
	}

	if r.output == OutputJSON {
		return writeJSON(r.out, entries)
	}
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.Name, e.Description)
	}
	return w.Flush()
}

// RunTool executes a registered tool. args can be a JSON object, --key=value
// flags, or both; flags take precedence.
func (r *Runner) RunTool(ctx context.Context, name string, args []string) error {
	tool, err := r.lookup(name)
	if err != nil {
		return err
	}

	params, err := parseArgs(args, tool.Definition())
	if err != nil {
		return fmt.Errorf("argument error: %w", err)
	}

	result, err := tool.Execute(ctx, r.reg.Logger(), r.reg.Cache(), params)
	if err != nil {
		return fmt.Errorf("tool error: %w", err)
	}
	return r.renderResult(result)
}

// ToolHelp prints a tool's description followed by its extended help
func (r *Runner) ToolHelp(name string) error {
	tool, err := r.lookup(name)
	if err != nil {
		return err
	}
	def := tool.Definition()
	help := tools.HelpFor(tool)

	if r.output == OutputJSON {
		return writeJSON(r.out, map[string]any{
			"name":          def.Name,
			"description":   def.Description,
			"input_schema":  def.InputSchema,
			"extended_help": help,
		})
	}

	fmt.Fprintf(r.out, "%s\n\n%s\n", r.title(def.Name), def.Description)
	if help == nil {
		fmt.Fprintln(r.out, r.dim("\nNo extended help."))
		return nil
	}
	fmt.Fprintln(r.out)
	return help.Render(r.out)
}

func (r *Runner) lookup(name string) (tools.Tool, error) {
	if tool, ok := r.reg.Get(name); ok {
		return tool, nil
	}
	if tool, ok := r.reg.Get(strings.ReplaceAll(name, "-", "_")); ok {
		return tool, nil
	}
	return nil, fmt.Errorf("unknown tool: %s (run 'privsearch tools' to see available tools)", name)
}

// parseArgs converts CLI arguments into tool arguments
func parseArgs(args []string, def mcp.Tool) (map[string]any, error) {
	params := make(map[string]any)
	types := make(map[string]string, len(def.InputSchema.Properties))
	for name, prop := range def.InputSchema.Properties {
		if pm, ok := prop.(map[string]any); ok {
			types[name], _ = pm["type"].(string)
		}
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "{"):
			var obj map[string]any
			if err := json.Unmarshal([]byte(arg), &obj); err != nil {
				return nil, fmt.Errorf("invalid JSON argument: %w", err)
			}
			for k, v := range obj {
				if _, exists := params[k]; !exists {
					params[k] = v
				}
			}
		case strings.HasPrefix(arg, "--"):
			flag := strings.TrimPrefix(arg, "--")
			key, raw, hasValue := strings.Cut(flag, "=")
			key = strings.ReplaceAll(key, "-", "_")
			if !hasValue {
				if types[key] == "boolean" {
					params[key] = true
					continue
				}
				i++
				if i >= len(args) {
					return nil, fmt.Errorf("flag --%s requires a value", flag)
				}
				raw = args[i]
			}
			params[key] = coerceValue(raw, types[key])
		default:
			return nil, fmt.Errorf("unexpected argument: %s (use --key=value flags or pass a JSON object)", arg)
		}
	}
	return params, nil
}

// coerceValue converts a flag value to the JSON type the schema expects
func coerceValue(raw, schemaType string) any {
	switch schemaType {
	case "number", "integer":
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	case "array":
		var arr []any
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			return arr
		}
		parts := strings.Split(raw, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out
	}
	return raw
}

func (r *Runner) renderResult(result *mcp.CallToolResult) error {
	if result == nil {
		return nil
	}
	if r.output == OutputJSON {
		return writeJSON(r.out, result)
	}
	for _, content := range result.Content {
		if c, ok := content.(mcp.TextContent); ok {
			fmt.Fprintln(r.out, c.Text)
			continue
		}
		if err := writeJSON(r.out, content); err != nil {
			return err
		}
	}
	if result.IsError {
		return fmt.Errorf("tool returned an error")
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	before, _, _ := strings.Cut(s, "\n")
	return before
}
