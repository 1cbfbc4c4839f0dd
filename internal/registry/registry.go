package registry

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/sammcj/privsearch/internal/tools"
	"github.com/sirupsen/logrus"
)

// Registry holds the MCP tools exposed by one server along with the logger
// and cache handed to every tool call
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]tools.Tool
	disabled map[string]bool
	logger   *logrus.Logger
	cache    *sync.Map
}

// New creates an empty registry. Tools named in DISABLED_TOOLS are refused
// by Register.
func New(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Registry{
		tools:  make(map[string]tools.Tool),
		logger: logger,
		cache:  &sync.Map{},
	}
	r.disabled = parseDisabledTools(os.Getenv("DISABLED_TOOLS"), logger)
	return r
}

// parseDisabledTools splits a comma separated list of tool names
func parseDisabledTools(env string, logger *logrus.Logger) map[string]bool {
	disabled := make(map[string]bool)
	for tool := range strings.SplitSeq(env, ",") {
		tool = normaliseName(tool)
		if tool == "" {
			continue
		}
		disabled[tool] = true
		logger.WithField("tool", tool).Debug("Tool disabled")
	}
	if len(disabled) > 0 {
		logger.WithField("count", len(disabled)).Debug("Parsed disabled tools from environment")
	}
	return disabled
}

// normaliseName lowercases a tool name and treats hyphens and underscores alike
func normaliseName(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
}

// IsDisabled reports whether name was disabled via DISABLED_TOOLS
func (r *Registry) IsDisabled(name string) bool {
	return r.disabled[normaliseName(name)]
}

// Register adds a tool unless it is disabled. It reports whether the tool was added.
func (r *Registry) Register(tool tools.Tool) bool {
	name := tool.Definition().Name
	if r.IsDisabled(name) {
		r.logger.WithField("tool", name).Debug("Tool not registered (disabled)")
		return false
	}

	r.mu.Lock()
	r.tools[name] = tool
	r.mu.Unlock()

	r.logger.WithField("tool", name).Debug("Tool successfully registered")
	return true
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (tools.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tools returns a copy of the registered tools keyed by name
func (r *Registry) Tools() map[string]tools.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]tools.Tool, len(r.tools))
	for name, tool := range r.tools {
		out[name] = tool
	}
	return out
}

// Names returns the sorted names of registered tools
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NamesWithExtendedHelp returns the sorted names of tools that provide extended help
func (r *Registry) NamesWithExtendedHelp() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, tool := range r.tools {
		if tools.HelpFor(tool) != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Logger returns the logger handed to tool calls
func (r *Registry) Logger() *logrus.Logger {
	return r.logger
}

// Cache returns the cache shared by tool calls
func (r *Registry) Cache() *sync.Map {
	return r.cache
}
