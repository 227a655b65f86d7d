// Chatrelay relays chat requests from persistent WebSocket connections
// to a streaming LLM provider, augmenting the model with tools served
// by MCP tool servers and in-process tools, and streams responses back
// to the client incrementally.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	chatrelay serve              Start the relay server
//	chatrelay init [dir]         Write an example config.yaml
//	chatrelay version            Print version and build information
//	chatrelay -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hward/chatrelay/internal/buildinfo"
	"github.com/hward/chatrelay/internal/config"
	"github.com/hward/chatrelay/internal/fetch"
	"github.com/hward/chatrelay/internal/llm"
	"github.com/hward/chatrelay/internal/mcp"
	"github.com/hward/chatrelay/internal/orchestrator"
	"github.com/hward/chatrelay/internal/search"
	"github.com/hward/chatrelay/internal/server"
	"github.com/hward/chatrelay/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the chatrelay command. All OS-level
// dependencies are injected as parameters so tests can drive the full
// lifecycle. Arguments are parsed by hand: the flag package relies on
// package-level globals, which makes concurrent test invocations of
// run() impossible, and the argument surface here is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-"):
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "chatrelay - streaming tool-augmented chat relay")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: chatrelay [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the relay server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// runServe is the primary operating mode: load config, build the model
// client and tool transports, start the server, and block until a
// shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The HTTP listener closes; live turns are cancelled
//  3. Tool transports are closed via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(stdout, cfg.Logging)
	if err != nil {
		return err
	}

	logger.Info("starting chatrelay",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
		"config", cfgPath,
	)

	model := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
		TopP:        cfg.OpenAI.TopP,
		MaxTokens:   cfg.OpenAI.MaxTokens,
	}, logger)

	registry := tools.NewRegistry(logger)

	if cfg.Search.Enabled {
		var provider search.Provider
		switch cfg.Search.Provider {
		case "searxng":
			provider = search.NewSearXNG(cfg.Search.URL)
		default:
			provider = search.NewDuckDuckGo()
		}
		registry.Register(search.Tool(provider))
		logger.Info("web search enabled", "provider", provider.Name())
	}

	if cfg.Fetch.Enabled {
		registry.Register(fetch.Tool(fetch.New()))
		logger.Info("url fetch enabled")
	}

	if cfg.MCP.Enabled {
		for _, sc := range cfg.MCP.Servers {
			client := buildMCPClient(sc, logger)

			// A server that fails its handshake is skipped for now; the
			// client re-handshakes lazily when a later turn needs it.
			initCtx, cancel := context.WithTimeout(ctx, sc.Timeout())
			if err := client.Initialize(initCtx); err != nil {
				logger.Warn("MCP server handshake failed, will retry on use",
					"mcp_server", sc.Name, "error", err)
			}
			cancel()

			registry.AddTransport(client)
			defer client.Close()
		}
		logger.Info("MCP transports configured", "count", len(cfg.MCP.Servers))
	}

	orch := orchestrator.New(model, registry, orchestrator.Config{
		SystemPrompt:  cfg.OpenAI.SystemPrompt,
		MaxToolRounds: cfg.Request.MaxToolRounds,
		TurnTimeout:   cfg.Request.TurnTimeout(),
		ToolTimeout:   cfg.Request.ToolTimeout(),
	}, logger)

	srv := server.New(cfg.Server.Host, cfg.Server.Port, orch, registry, "openai", logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	}
}

// buildMCPClient wires one configured tool server. An in-process
// transport entry gets a nil transport: the client then reports an
// empty tool list instead of dialing anything.
func buildMCPClient(sc config.MCPServerConfig, logger *slog.Logger) *mcp.Client {
	var transport mcp.Transport
	if sc.Transport == "streamable-http" && sc.URL != "" {
		transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
			Name:      sc.Name,
			URL:       sc.URL,
			AuthToken: sc.AuthToken,
			Timeout:   sc.Timeout(),
			LocalOnly: sc.LocalOnly,
			Logger:    logger,
		})
	}
	return mcp.NewClient(sc.Name, transport, sc.Timeout(), logger)
}
