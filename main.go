package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/sammcj/privsearch/internal/aggregator"
	clirunner "github.com/sammcj/privsearch/internal/cli"
	"github.com/sammcj/privsearch/internal/config"
	"github.com/sammcj/privsearch/internal/engine"
	"github.com/sammcj/privsearch/internal/registry"
	"github.com/sammcj/privsearch/internal/telemetry"
	"github.com/sammcj/privsearch/internal/tools"
	"github.com/sammcj/privsearch/internal/tools/privatesearch"
)

// Version information (set during build)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	logFile     atomic.Pointer[os.File]
	isStdioMode atomic.Bool
)

// DefaultMemoryLimit is the soft memory limit for the Go runtime (1GB)
const DefaultMemoryLimit = 1024 * 1024 * 1024

// parseLogLevel reads LOG_LEVEL, defaulting to warn
func parseLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if err != nil {
		return logrus.WarnLevel
	}
	return level
}

// setMemoryLimit applies PRIVSEARCH_MEMORY_LIMIT (bytes) or the default
func setMemoryLimit() {
	limit := int64(DefaultMemoryLimit)
	if v := os.Getenv("PRIVSEARCH_MEMORY_LIMIT"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	debug.SetMemoryLimit(limit)
}

func main() {
	setMemoryLimit()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(parseLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	defer func() {
		if f := logFile.Load(); f != nil {
			_ = f.Close()
		}
	}()

	searchFlags := []cli.Flag{
		&cli.IntFlag{Name: "page", Aliases: []string{"p"}, Value: 1, Usage: "Result page, starting at 1"},
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Results per page (default from configuration)"},
		&cli.StringSliceFlag{Name: "source", Aliases: []string{"s"}, Usage: "Only query this source (repeatable)"},
		&cli.StringSliceFlag{Name: "exclude", Aliases: []string{"x"}, Usage: "Drop results from this domain (repeatable)"},
		&cli.BoolFlag{Name: "safe", Usage: "Ask sources to filter explicit content"},
	}

	app := &cli.Command{
		Name:    "privsearch",
		Usage:   "Privacy-aware meta-search across several sources",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file (default: ~/.privsearch/config.yaml)",
				Sources: cli.EnvVars("PRIVSEARCH_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "Load environment variables from this file when present",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Value:   "text",
				Usage:   "Output format (text or json)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "search",
				Usage:     "Search all configured sources",
				ArgsUsage: "<query>",
				Flags:     searchFlags,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					query := strings.Join(cmd.Args().Slice(), " ")
					return withEngine(ctx, cmd, logger, func(e *engine.Engine, r *clirunner.Runner) error {
						resp, err := e.Search(ctx, aggregator.Query{
							Text:  query,
							Page:  cmd.Int("page"),
							Limit: cmd.Int("limit"),
							Filters: aggregator.Filters{
								Sources:        cmd.StringSlice("source"),
								ExcludeDomains: cmd.StringSlice("exclude"),
								SafeSearch:     cmd.Bool("safe"),
							},
						})
						if err != nil {
							return err
						}
						return r.RenderSearch(resp)
					})
				},
			},
			{
				Name:      "suggest",
				Usage:     "Suggest completions for a partial query",
				ArgsUsage: "<query>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					query := strings.Join(cmd.Args().Slice(), " ")
					return withEngine(ctx, cmd, logger, func(e *engine.Engine, r *clirunner.Runner) error {
						return r.RenderSuggestions(query, e.Suggestions(ctx, query))
					})
				},
			},
			{
				Name:  "health",
				Usage: "Show source and pipeline health",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withEngine(ctx, cmd, logger, func(e *engine.Engine, r *clirunner.Runner) error {
						return r.RenderHealth(e.CheckHealth(ctx))
					})
				},
			},
			{
				Name:      "tools",
				Usage:     "List the MCP tools, or show one tool's help",
				ArgsUsage: "[name]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withEngine(ctx, cmd, logger, func(e *engine.Engine, _ *clirunner.Runner) error {
						runner := toolRunner(cmd, logger, e)
						if name := cmd.Args().First(); name != "" {
							return runner.ToolHelp(name)
						}
						return runner.ListTools()
					})
				},
			},
			{
				Name:      "tool",
				Usage:     "Run an MCP tool in-process",
				ArgsUsage: "<name> [--key=value ...] ['{\"json\": \"args\"}']",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					args := cmd.Args().Slice()
					if len(args) == 0 {
						return fmt.Errorf("tool name is required")
					}
					return withEngine(ctx, cmd, logger, func(e *engine.Engine, _ *clirunner.Runner) error {
						return toolRunner(cmd, logger, e).RunTool(ctx, args[0], args[1:])
					})
				},
			},
			{
				Name:  "serve",
				Usage: "Serve the search tools over MCP",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "transport",
						Aliases: []string{"t"},
						Value:   "stdio",
						Usage:   "Transport type (stdio or http)",
					},
					&cli.StringFlag{
						Name:  "port",
						Value: "18080",
						Usage: "Port for the HTTP transport",
					},
					&cli.StringFlag{
						Name:  "endpoint-path",
						Value: "/mcp",
						Usage: "Endpoint path for the HTTP transport",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return serve(ctx, cmd, logger)
				},
			},
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Printf("privsearch version %s\n", Version)
					fmt.Printf("Commit: %s\n", Commit)
					fmt.Printf("Built: %s\n", BuildDate)
					return nil
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		// stdout and stderr belong to the MCP protocol in stdio mode
		if !isStdioMode.Load() {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// newEngine loads configuration, initialises telemetry and starts an engine.
// The returned cleanup stops the engine and flushes telemetry.
func newEngine(ctx context.Context, cmd *cli.Command, logger *logrus.Logger) (*engine.Engine, func(), error) {
	if err := config.LoadDotEnv(cmd.String("env-file")); err != nil {
		logger.WithError(err).Warn("Failed to load environment file")
	}
	cfg, err := config.Load(cmd.String("config"), logger)
	if err != nil {
		return nil, nil, err
	}

	telemetry.SetServiceVersion(Version)
	shutdownTracer, err := telemetry.InitTracer(logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialise tracing")
	}
	shutdownMetrics, err := telemetry.InitMetrics(logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialise metrics")
	}

	e, err := engine.New(cfg, logger, engine.WithVersion(Version))
	if err != nil {
		return nil, nil, err
	}
	e.Start(ctx)

	cleanup := func() {
		e.Close()
		for _, shutdown := range []func() error{shutdownMetrics, shutdownTracer} {
			if shutdown == nil {
				continue
			}
			if err := shutdown(); err != nil {
				logger.WithError(err).Debug("Telemetry shutdown failed")
			}
		}
	}
	return e, cleanup, nil
}

// withEngine runs fn with a started engine and a renderer for the selected output format
func withEngine(ctx context.Context, cmd *cli.Command, logger *logrus.Logger, fn func(*engine.Engine, *clirunner.Runner) error) error {
	output, err := clirunner.ParseOutputFormat(cmd.String("output"))
	if err != nil {
		return err
	}
	e, cleanup, err := newEngine(ctx, cmd, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(e, clirunner.NewRunner(nil, os.Stdout, output))
}

func toolRunner(cmd *cli.Command, logger *logrus.Logger, e *engine.Engine) *clirunner.Runner {
	reg := registry.New(logger)
	privatesearch.Register(reg, e)
	output, _ := clirunner.ParseOutputFormat(cmd.String("output"))
	return clirunner.NewRunner(reg, os.Stdout, output)
}

// configureFileLogging sends logs to ~/.privsearch/logs/privsearch.log. In
// stdio mode nothing may reach stdout or stderr, so failures discard logs.
func configureFileLogging(logger *logrus.Logger, stdio bool) {
	level := parseLogLevel()
	logger.SetLevel(level)

	fallback := io.Writer(os.Stderr)
	if stdio {
		fallback = io.Discard
	}

	dir, err := logDir()
	if err != nil {
		logger.SetOutput(fallback)
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "privsearch.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		logger.SetOutput(fallback)
		return
	}
	logFile.Store(f)
	logger.SetOutput(f)
	logger.WithField("level", level.String()).Debug("Logging configured")
}

func logDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".privsearch", "logs")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func serve(ctx context.Context, cmd *cli.Command, logger *logrus.Logger) error {
	transport := cmd.String("transport")
	isStdioMode.Store(transport == "stdio")
	configureFileLogging(logger, isStdioMode.Load())

	var errorLog *tools.ErrorLog
	if os.Getenv("LOG_TOOL_ERRORS") == "true" {
		if dir, err := logDir(); err == nil {
			errorLog, err = tools.OpenErrorLog(filepath.Join(dir, "tool-errors.log"), tools.DefaultLogRetention, logger)
			if err != nil {
				logger.WithError(err).Warn("Failed to initialise tool error logger")
			}
		}
	}
	defer func() {
		if err := errorLog.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close tool error logger")
		}
	}()

	e, cleanup, err := newEngine(ctx, cmd, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	reg := registry.New(logger)
	privatesearch.Register(reg, e)

	mcpSrv := mcpserver.NewMCPServer("privsearch", Version)
	for name, tool := range reg.Tools() {
		mcpSrv.AddTool(tool.Definition(), func(toolCtx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, ok := request.Params.Arguments.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("invalid arguments type: expected map[string]any, got %T", request.Params.Arguments)
			}
			result, err := tool.Execute(toolCtx, reg.Logger(), reg.Cache(), args)
			if err != nil {
				logger.WithError(err).WithField("tool", name).Error("Tool execution failed")
				errorLog.Record(name, args, err)
				return nil, fmt.Errorf("tool execution failed: %w", err)
			}
			return result, nil
		})
	}
	logger.WithFields(logrus.Fields{
		"transport": transport,
		"tools":     reg.Names(),
		"providers": e.Providers(),
	}).Info("Starting MCP server")

	switch transport {
	case "stdio":
		return mcpserver.ServeStdio(mcpSrv)
	case "http":
		httpSrv := mcpserver.NewStreamableHTTPServer(mcpSrv,
			mcpserver.WithEndpointPath(cmd.String("endpoint-path")),
			mcpserver.WithLogger(&logrusAdapter{logger: logger}),
		)
		go func() {
			<-ctx.Done()
			_ = httpSrv.Shutdown(context.Background())
		}()
		return httpSrv.Start(":" + cmd.String("port"))
	default:
		return fmt.Errorf("unsupported transport: %s", transport)
	}
}

// logrusAdapter adapts logrus.Logger to the mcp-go util.Logger interface
type logrusAdapter struct {
	logger *logrus.Logger
}

func (l *logrusAdapter) Debugf(format string, args ...any) {
	l.logger.Debugf(format, args...)
}

func (l *logrusAdapter) Infof(format string, args ...any) {
	l.logger.Infof(format, args...)
}

func (l *logrusAdapter) Warnf(format string, args ...any) {
	l.logger.Warnf(format, args...)
}

func (l *logrusAdapter) Errorf(format string, args ...any) {
	l.logger.Errorf(format, args...)
}
