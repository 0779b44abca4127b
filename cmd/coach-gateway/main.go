// ABOUTME: Entry point for the coach-gateway coaching server
// ABOUTME: Wires config, provider, store, gate and orchestrator, then serves HTTP

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/resumelab/coach-gateway/internal/coach"
	"github.com/resumelab/coach-gateway/internal/config"
	"github.com/resumelab/coach-gateway/internal/gate"
	"github.com/resumelab/coach-gateway/internal/httpapi"
	"github.com/resumelab/coach-gateway/internal/issue"
	"github.com/resumelab/coach-gateway/internal/provider"
	"github.com/resumelab/coach-gateway/internal/retry"
	"github.com/resumelab/coach-gateway/internal/session"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
                        _                            _
  ___ ___   __ _  ___| |__         __ _ __ _| |_ _____      ____ _ _   _
 / __/ _ \ / _' |/ __| '_ \ _____ / _' / _' | __/ _ \ \ /\ / / _' | | | |
| (_| (_) | (_| | (__| | | |_____| (_| (_| | ||  __/\ V  V / (_| | |_| |
 \___\___/ \__,_|\___|_| |_|      \__, \__,_|\__\___| \_/\_/ \__,_|\__, |
                                  |___/                            |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: COACH_CONFIG env var > XDG_CONFIG_HOME/coach/gateway.yaml > ~/.config/coach/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COACH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coach", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coach-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the coaching server")
		fmt.Println("  health    Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Provider:  %s\n", cfg.Provider.Kind)
	fmt.Println()

	logger.Info("starting coach-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"provider", cfg.Provider.Kind,
	)

	// Completion provider
	var completions provider.CompletionProvider
	switch cfg.Provider.Kind {
	case "anthropic":
		completions = provider.NewAnthropicProvider(cfg.Provider.APIKey, cfg.Provider.Model)
	case "openai":
		completions = provider.NewOpenAIProvider(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Provider.Model)
	default:
		return fmt.Errorf("unsupported provider kind %q", cfg.Provider.Kind)
	}

	// Prompt templates
	prompts := coach.DefaultPrompts()
	if cfg.Prompts.Path != "" {
		prompts, err = coach.LoadPrompts(cfg.Prompts.Path)
		if err != nil {
			return fmt.Errorf("loading prompts: %w", err)
		}
	}

	// Retry policy
	policy := retry.Default()
	if cfg.Limits.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Limits.MaxAttempts
	}
	if cfg.Limits.BaseDelay > 0 {
		policy.BaseDelay = cfg.Limits.BaseDelay
	}
	if cfg.Limits.MaxDelay > 0 {
		policy.MaxDelay = cfg.Limits.MaxDelay
	}

	// Session store with background sweeper
	sessions := session.NewMemoryStore(cfg.Limits.SessionTTL, cfg.Limits.SweepInterval, logger)
	defer sessions.Close()

	issues := issue.NewRegistry()
	requestGate := gate.New(cfg.Limits.MaxConcurrent, logger)
	broadcaster := coach.NewBroadcaster(logger)
	defer broadcaster.Close()

	orc := coach.New(issues, sessions, requestGate, policy, completions, prompts, broadcaster, coach.Options{
		MaxRounds:   cfg.Limits.MaxRounds,
		Model:       cfg.Provider.Model,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
	}, logger)

	server := httpapi.New(cfg.Server.HTTPAddr, orc, issues, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/health", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
