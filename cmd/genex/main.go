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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/genex/genex/internal/generation"
	"github.com/genex/genex/internal/handler"
	appI18n "github.com/genex/genex/internal/i18n"
	"github.com/genex/genex/internal/llm"
	"github.com/genex/genex/internal/model"
	"github.com/genex/genex/internal/render"
	"github.com/genex/genex/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "genex",
		Short: "Generate exercise sheets and answer keys from course documents",
	}

	serve := serveCmd()
	root.AddCommand(serve, generateCmd(), renderCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `genex --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.Duration("shutdown-timeout", 30*time.Second, "Time allowed for running generations to finish on shutdown")
	addPipelineFlags(f)
	addCommonFlags(f)
	return cmd
}

func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an exercise sheet from a text file",
		RunE:  runGenerate,
	}
	f := cmd.Flags()
	f.StringP("file", "f", "", "OCR'd document text file (required)")
	f.StringP("title", "t", "", "Sheet title")
	f.StringP("config", "c", "", "Generation config JSON file")
	addPipelineFlags(f)
	addCommonFlags(f)

	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func renderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render the PDFs of a sheet again without calling the model",
		RunE:  runRender,
	}
	f := cmd.Flags()
	f.String("sheet-id", "", "Sheet to render (required)")
	addRenderFlags(f)
	addCommonFlags(f)

	_ = cmd.MarkFlagRequired("sheet-id")

	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a sheet with its exercises and attempts as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("sheet-id", "", "Sheet to export (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addCommonFlags(f)

	_ = cmd.MarkFlagRequired("sheet-id")

	return cmd
}

func addCommonFlags(f *pflag.FlagSet) {
	f.String("db", "genex.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addRenderFlags(f *pflag.FlagSet) {
	def := render.DefaultConfig()
	f.StringP("lang", "l", def.Lang, "Default language for PDFs and API messages (en, fr)")
	f.String("pdf-dir", def.Dir, "Directory rendered PDFs are written to")
	f.String("pdf-base-url", def.BaseURL, "URL prefix under which rendered PDFs are served")
	f.Duration("render-timeout", def.Timeout, "Timeout for rendering both PDFs of a sheet")
}

func addPipelineFlags(f *pflag.FlagSet) {
	addRenderFlags(f)
	f.String("provider", "gemini", "Primary model provider (gemini, openai)")
	f.Bool("fallback", true, "Use the other provider when the primary fails")
	f.String("gemini-key", "", "Gemini API key")
	f.String("gemini-model", llm.DefaultGeminiModel, "Gemini model name")
	f.String("openai-url", "https://api.deepseek.com/v1", "OpenAI-compatible API base URL")
	f.String("openai-key", "", "API key for the OpenAI-compatible provider")
	f.String("openai-model", "deepseek-chat", "OpenAI-compatible model name")
	f.Int("max-retries", llm.DefaultMaxRetries, "Total attempts per provider on overload")
	f.Duration("retry-base", llm.DefaultRetryBase, "Backoff base; retry n waits n times this")
	f.Duration("ai-timeout", 3*time.Minute, "Timeout for the whole model call including retries")
	f.Duration("ai-attempt-timeout", 90*time.Second, "Timeout for a single model request (0 disables)")
	f.Float32("temperature", 0.7, "Sampling temperature (negative uses the provider default)")
	f.Float32("top-p", 0.95, "Nucleus sampling probability (negative uses the provider default)")
	f.Int("top-k", 40, "Top-k sampling")
	f.Int("max-output-tokens", 8192, "Maximum output tokens")
	f.Int("max-document-chars", 0, "Truncate document text to this many characters (0 = default)")
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

	v.SetEnvPrefix("GENEX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("genex")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/genex")
	v.AddConfigPath("/etc/genex")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func renderConfig(v *viper.Viper) render.Config {
	return render.Config{
		Dir:     v.GetString("pdf-dir"),
		BaseURL: v.GetString("pdf-base-url"),
		Lang:    v.GetString("lang"),
		Timeout: v.GetDuration("render-timeout"),
	}
}

// newGateway wires the primary provider and, when enabled and configured,
// the other provider as fallback.
func newGateway(ctx context.Context, v *viper.Viper) (*llm.Gateway, error) {
	newGemini := func() (llm.Provider, error) {
		return llm.NewGeminiProvider(ctx, v.GetString("gemini-key"), v.GetString("gemini-model"))
	}
	newOpenAI := func() (llm.Provider, error) {
		if v.GetString("openai-key") == "" {
			return nil, errors.New("openai-key is required")
		}
		return llm.NewOpenAIProvider(v.GetString("openai-url"), v.GetString("openai-key"), v.GetString("openai-model")), nil
	}

	primaryFn, fallbackFn := newGemini, newOpenAI
	switch p := strings.ToLower(v.GetString("provider")); p {
	case "gemini":
	case "openai":
		primaryFn, fallbackFn = newOpenAI, newGemini
	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}

	primary, err := primaryFn()
	if err != nil {
		return nil, fmt.Errorf("create primary provider: %w", err)
	}
	var fallback llm.Provider
	if v.GetBool("fallback") {
		fallback, err = fallbackFn()
		if err != nil {
			slog.Warn("fallback provider disabled", "error", err)
			fallback = nil
		}
	}

	return llm.NewGateway(primary, fallback, gatewayConfig(v), slog.Default()), nil
}

func gatewayConfig(v *viper.Viper) llm.Config {
	return llm.Config{
		MaxRetries: v.GetInt("max-retries"),
		RetryBase:  v.GetDuration("retry-base"),
		Timeout:    v.GetDuration("ai-attempt-timeout"),
		Params: llm.SamplingParams{
			Temperature:     samplingValue(v, "temperature"),
			TopP:            samplingValue(v, "top-p"),
			TopK:            v.GetInt("top-k"),
			MaxOutputTokens: v.GetInt("max-output-tokens"),
		},
	}
}

// samplingValue returns nil for a negative setting so the provider default
// applies.
func samplingValue(v *viper.Viper, key string) *float32 {
	f := float32(v.GetFloat64(key))
	if f < 0 {
		return nil
	}
	return &f
}

func newOrchestrator(ctx context.Context, v *viper.Viper, db *store.Store, withModel bool) (*generation.Orchestrator, error) {
	var gen generation.Generator
	if withModel {
		gw, err := newGateway(ctx, v)
		if err != nil {
			return nil, err
		}
		slog.Info("model gateway ready", "models", gw.Name())
		gen = gw
	}
	rcfg := renderConfig(v)
	return generation.New(db, gen, render.NewPDFRenderer(rcfg, slog.Default()), generation.Config{
		AITimeout:        v.GetDuration("ai-timeout"),
		RenderTimeout:    rcfg.Timeout,
		MaxDocumentChars: v.GetInt("max-document-chars"),
	}, slog.Default()), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	orch, err := newOrchestrator(ctx, v, db, true)
	if err != nil {
		return err
	}

	pdfDir := v.GetString("pdf-dir")
	if err := os.MkdirAll(pdfDir, 0o755); err != nil {
		return fmt.Errorf("create pdf dir: %w", err)
	}
	h := handler.New(db, orch, pdfDir, v.GetString("pdf-base-url"))

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"provider", v.GetString("provider"),
		"fallback", v.GetBool("fallback"),
		"lang", lang,
		"pdf_dir", pdfDir,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}
	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("generations still running at shutdown")
	}
	return nil
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := v.GetString("file")
	text, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	var cfg model.GenerationConfig
	if cfgPath := v.GetString("config"); cfgPath != "" {
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if cfg, err = model.ParseGenerationConfig(data); err != nil {
			return fmt.Errorf("parse %s: %w", cfgPath, err)
		}
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	doc, created, err := db.CreateDocument(filepath.Base(path), string(text))
	if err != nil {
		return fmt.Errorf("store document: %w", err)
	}
	if !created {
		slog.Info("document unchanged, reusing", "path", path, "document_id", doc.ID)
	}
	title := v.GetString("title")
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	p, err := db.CreateProject(model.Project{DocumentID: doc.ID, Title: title, Config: cfg})
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	sh, err := db.CreateSheet(p.ID)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}

	orch, err := newOrchestrator(ctx, v, db, true)
	if err != nil {
		return err
	}
	return report(cmd.OutOrStdout(), orch.Run(ctx, sh.ID))
}

func runRender(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	orch, err := newOrchestrator(cmd.Context(), v, db, false)
	if err != nil {
		return err
	}
	return report(cmd.OutOrStdout(), orch.Rerender(context.Background(), v.GetString("sheet-id")))
}

// report prints the outcome of a run and turns a failed run into an error.
func report(w io.Writer, res generation.Result) error {
	out := map[string]any{
		"sheet_id":  res.SheetID,
		"state":     res.State,
		"status":    res.Status,
		"exercises": res.Exercises,
	}
	if res.QuestionsURL != "" {
		out["pdf_url_questions"] = res.QuestionsURL
		out["pdf_url_answers"] = res.AnswersURL
	}
	if res.Err != nil {
		out["failed_at"] = res.FailedAt
		out["error"] = res.Err.Error()
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	if res.Err != nil {
		return fmt.Errorf("sheet %s failed at %s: %w", res.SheetID, res.FailedAt, res.Err)
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportSheet(v.GetString("sheet-id"))
	if err != nil {
		return fmt.Errorf("export sheet: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}
