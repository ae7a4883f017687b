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

	"github.com/facebookgo/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/assessor/internal/aiclient"
	"github.com/pavelanni/assessor/internal/engine"
	"github.com/pavelanni/assessor/internal/evaluator"
	"github.com/pavelanni/assessor/internal/handler"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/llm"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/persist"
	"github.com/pavelanni/assessor/internal/questions"
	"github.com/pavelanni/assessor/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "assessor",
		Short: "Timed AI-assisted skills assessment engine",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	defaults := model.DefaultEngineConfig()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the assessment API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "assessor.db", "SQLite database path")
	f.String("ai-backend", "openai", "AI backend (openai, gateway)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("gateway-url", "", "Base URL of an external AI gateway (ai-backend=gateway)")
	f.StringP("lang", "l", defaults.Lang, "Default language (en, ru)")
	f.Int("question-count", defaults.DefaultCount, "Questions requested when the caller omits a count")
	f.Duration("seconds-per-question", defaults.SecondsPerQuestion, "Timer budget per question")
	f.Duration("stale-after", defaults.StaleAfter, "Reset unfinished sessions older than this on return")
	f.Duration("late-eval-grace", defaults.LateEvalGrace, "How long timer expiry waits for in-flight evaluations")
	f.Duration("request-timeout", defaults.RequestTimeout, "Timeout for each AI call")
	f.Uint("save-retries", persist.DefaultMaxTries, "Attempts per session save")
	f.Duration("sweep-interval", time.Minute, "How often finished sessions are evicted from memory")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export session results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "assessor.db", "SQLite database path")
	f.String("assessment-id", "", "Only export sessions of this assessment")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("ASSESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("assessor")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/assessor")
	v.AddConfigPath("/etc/assessor")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// newAIBackend builds the configured backend. The second value is non-nil
// only when this process should also serve the AI gateway endpoints.
func newAIBackend(v *viper.Viper) (handler.AI, handler.AI, error) {
	switch backend := strings.ToLower(v.GetString("ai-backend")); backend {
	case "openai":
		client := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			// Generation falls back and evaluation fails per request; the server still runs.
			slog.Warn("LLM health check failed", "url", v.GetString("llm-url"), "error", err)
		} else {
			slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
		}
		return client, client, nil
	case "gateway":
		url := v.GetString("gateway-url")
		if url == "" {
			return nil, nil, fmt.Errorf("gateway-url is required when ai-backend=gateway")
		}
		client := aiclient.New(url, &http.Client{Timeout: v.GetDuration("request-timeout")})
		slog.Info("using AI gateway", "url", url)
		return client, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown ai-backend %q", backend)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ai, gateway, err := newAIBackend(v)
	if err != nil {
		return err
	}

	cfg := model.EngineConfig{
		SecondsPerQuestion: v.GetDuration("seconds-per-question"),
		StaleAfter:         v.GetDuration("stale-after"),
		LateEvalGrace:      v.GetDuration("late-eval-grace"),
		RequestTimeout:     v.GetDuration("request-timeout"),
		DefaultCount:       v.GetInt("question-count"),
		Lang:               lang,
	}
	manager := engine.NewManager(cfg,
		questions.NewProvider(ai, cfg.RequestTimeout),
		evaluator.New(ai, cfg.RequestTimeout),
		persist.New(db, v.GetUint("save-retries")),
		db,
		clock.New(),
	)

	h, err := handler.New(manager, gateway, db, lang)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server",
			"addr", addr,
			"ai_backend", v.GetString("ai-backend"),
			"lang", lang,
			"seconds_per_question", cfg.SecondsPerQuestion,
			"stale_after", cfg.StaleAfter,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return manager.Run(ctx, v.GetDuration("sweep-interval"))
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	assessmentID := v.GetString("assessment-id")
	results, err := db.ExportSessions(context.Background(), assessmentID)
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	export := model.AssessmentExport{
		AssessmentID: assessmentID,
		ExportedAt:   time.Now().UTC(),
		Results:      results,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported sessions", "count", len(results), "assessment_id", assessmentID)
	return nil
}
