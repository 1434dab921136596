// CLAUDE:SUMMARY Entry point for fanart: chi HTTP API, MCP over stdio, one-shot acquire and extract modes.
// Command fanart acquires preview images for fan-art catalog items.
//
// Usage:
//
//	fanart                                      # HTTP API on $PORT
//	fanart -mcp                                 # MCP tools over stdio
//	fanart -url https://x.com/a/status/1        # print candidates and exit
//	fanart -url https://... -force browser      # same, one strategy only
//	fanart -extract author_name -url https://...  # print one attribute and exit
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/fanart/acquire"
	"github.com/hazyhaar/fanart/preview"
	"github.com/hazyhaar/fanart/shield"
)

func main() {
	configPath := flag.String("config", env("CONFIG", "fanart.yaml"), "path to YAML config file")
	dbPath := flag.String("db", env("DB_PATH", ""), "path to the preview database (overrides config)")
	serveMCP := flag.Bool("mcp", false, "serve MCP tools over stdio instead of HTTP")
	oneURL := flag.String("url", "", "acquire candidates for this URL, print JSON and exit")
	extractKind := flag.String("extract", "", "with -url: extract author_name, embedded_url or image_url and exit")
	force := flag.String("force", "", "with -url: run only this strategy (lightweight, api, browser)")
	logLevel := flag.String("log-level", env("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	// stdout belongs to the MCP protocol and to one-shot output.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := acquire.LoadConfigFile(*configPath)
	if err != nil {
		logger.Error("fanart: config", "error", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if u := env("CHROME_URL", ""); u != "" {
		cfg.Browser.RemoteURL = u
	}

	svc, err := acquire.New(cfg, logger)
	if err != nil {
		logger.Error("fanart: init", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	switch {
	case *extractKind != "":
		err = runExtract(ctx, svc, *oneURL, *extractKind)
	case *oneURL != "":
		err = runAcquire(ctx, svc, *oneURL, *force)
	case *serveMCP:
		err = runMCP(ctx, svc, logger)
	default:
		err = runHTTP(ctx, svc, logger, env("PORT", "8090"))
	}
	if err != nil {
		logger.Error("fanart: fatal", "error", err, "kind", preview.KindOf(err))
		svc.Close()
		os.Exit(1)
	}
}

func runAcquire(ctx context.Context, svc *acquire.Service, url, force string) error {
	res, err := svc.Acquire(ctx, acquire.Request{URL: url, PreviewOnly: true, Force: preview.Method(force)})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runExtract(ctx context.Context, svc *acquire.Service, url, kind string) error {
	if url == "" {
		return fmt.Errorf("-extract requires -url")
	}
	m, err := svc.ExtractAttribute(ctx, url, kind)
	if err != nil {
		return err
	}
	return printJSON(m)
}

func runMCP(ctx context.Context, svc *acquire.Service, logger *slog.Logger) error {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "fanart",
		Version: "1.0.0",
	}, nil)
	svc.RegisterMCP(srv)

	logger.Info("fanart: MCP on stdio")
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

func newRouter(svc *acquire.Service, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultAPIStack(logger) {
		r.Use(mw)
	}
	svc.RegisterHTTP(r)
	return r
}

func runHTTP(ctx context.Context, svc *acquire.Service, logger *slog.Logger, port string) error {
	// WriteTimeout leaves room for a full dispatch plus the save.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(svc, logger),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("fanart: server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	logger.Info("fanart: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("fanart: shutdown", "error", err)
	}
	logger.Info("fanart: server stopped")
	return nil
}

// --- Helpers ---

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
