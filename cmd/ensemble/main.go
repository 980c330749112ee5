// Command ensemble runs one task through the orchestration engine and
// prints the final output. Progress events stream to stderr.
//
// Usage:
//
//	ensemble [flags] "task description"
//
// Configuration comes from ensemble.toml (ENSEMBLE_CONFIG overrides the
// path) plus ENSEMBLE_* env vars.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	ensemble "github.com/nevindra/ensemble"
	"github.com/nevindra/ensemble/history"
	histpostgres "github.com/nevindra/ensemble/history/postgres"
	histsqlite "github.com/nevindra/ensemble/history/sqlite"
	"github.com/nevindra/ensemble/internal/config"
	"github.com/nevindra/ensemble/observer"
	"github.com/nevindra/ensemble/provider/openaicompat"
	"github.com/nevindra/ensemble/sandbox"
	"github.com/nevindra/ensemble/tools/browser"
	"github.com/nevindra/ensemble/tools/file"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("ENSEMBLE_CONFIG"), "path to ensemble.toml")
		outputType = flag.String("output", "", "expected output type (report, code, website, dataset, document)")
		attach     = flag.String("files", "", "comma-separated workspace-relative files to attach")
		verbose    = flag.Bool("v", false, "log agent activity to stderr")
	)
	flag.Parse()

	task := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if task == "" {
		// Fall back to stdin so tasks can be piped in.
		if data, err := io.ReadAll(os.Stdin); err == nil {
			task = strings.TrimSpace(string(data))
		}
	}
	if task == "" {
		fmt.Fprintln(os.Stderr, "usage: ensemble [flags] \"task description\"")
		os.Exit(2)
	}

	cfg := config.Load(*configPath)
	if cfg.LLM.APIKey == "" {
		log.Fatal("no API key: set ENSEMBLE_LLM_API_KEY or [llm] api_key in ensemble.toml")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.DiscardHandler)
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	// 1. Provider: OpenAI-compatible gateway with retry.
	var provider ensemble.Provider = openaicompat.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
	retryOpts := []ensemble.RetryOption{ensemble.RetryLogger(logger)}
	if cfg.LLM.RetryMaxAttempts > 0 {
		retryOpts = append(retryOpts, ensemble.RetryMaxAttempts(cfg.LLM.RetryMaxAttempts))
	}
	provider = ensemble.WithRetry(provider, retryOpts...)

	// 2. Observability.
	var tracer ensemble.Tracer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(shCtx)
		}()
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
		tracer = observer.NewTracer()
	}

	// 3. Event bus, with history archival and optional metric collection.
	bus := ensemble.NewEventBus(ensemble.BusLogger(logger))
	store := openHistory(cfg, logger)
	if store != nil {
		defer store.Close()
		recOpts := []history.RecorderOption{history.RecorderLogger(logger)}
		if cfg.History.Streams {
			recOpts = append(recOpts, history.RecorderStreams())
		}
		cancel := history.NewRecorder(store, recOpts...).Attach(bus)
		defer cancel()
	}

	// 4. Tools.
	workspace := cfg.Workspace.Path
	_ = os.MkdirAll(workspace, 0o755)
	fileTool := file.New(workspace)
	tools := []ensemble.Tool{
		fileTool,
		browser.New(cfg.Search.BraveAPIKey),
	}

	// 5. Code sandbox.
	var runner ensemble.CodeRunner
	if cfg.Sandbox.Enabled {
		sbOpts := []sandbox.Option{
			sandbox.WithImage(cfg.Sandbox.Image),
			sandbox.WithLogger(logger),
		}
		if cfg.Sandbox.TimeoutSec > 0 {
			sbOpts = append(sbOpts, sandbox.WithTimeout(time.Duration(cfg.Sandbox.TimeoutSec)*time.Second))
		}
		if cfg.Sandbox.MemoryMB > 0 {
			sbOpts = append(sbOpts, sandbox.WithMemoryLimit(int64(cfg.Sandbox.MemoryMB)<<20))
		}
		if cfg.Sandbox.Network {
			sbOpts = append(sbOpts, sandbox.WithNetwork())
		}
		r, err := sandbox.NewDockerRunner(ctx, sbOpts...)
		if err != nil {
			log.Fatalf("sandbox: %v", err)
		}
		runner = r
	}

	// 6. Engine.
	engineOpts := []ensemble.EngineOption{
		ensemble.WithProvider(provider),
		ensemble.WithConfig(cfg.EngineConfig()),
		ensemble.WithBus(bus),
		ensemble.WithTools(tools...),
		ensemble.WithLogger(logger),
	}
	if runner != nil {
		engineOpts = append(engineOpts, ensemble.WithCodeRunner(runner))
	}
	if tracer != nil {
		engineOpts = append(engineOpts, ensemble.WithTracer(tracer))
	}
	engine, err := ensemble.NewEngine(engineOpts...)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = engine.Shutdown(shCtx)
		bus.Close()
	}()

	// Stream final-answer text to stdout as it is produced; everything
	// else goes to stderr.
	cancelSub := bus.Subscribe(func(ev ensemble.Event) {
		switch ev.Type {
		case ensemble.EventOutputProgress:
			if p, ok := ev.Data.(ensemble.OutputProgressPayload); ok {
				fmt.Print(p.Delta)
			}
		case ensemble.EventTaskLog:
			if p, ok := ev.Data.(ensemble.LogPayload); ok && p.Level != "info" {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", p.Level, p.Message)
			}
		case ensemble.EventStepStatusChanged:
			if p, ok := ev.Data.(ensemble.StepStatusPayload); ok {
				fmt.Fprintf(os.Stderr, "step %s: %s\n", p.StepID, p.To)
			}
		}
	})
	defer cancelSub()

	// 7. Run.
	var taskOpts []ensemble.TaskOption
	if *outputType != "" {
		taskOpts = append(taskOpts, ensemble.TaskWithOutputType(ensemble.OutputType(*outputType)))
	}
	if *attach != "" {
		var files []ensemble.TaskFile
		for _, name := range strings.Split(*attach, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			files = append(files, ensemble.TaskFile{ID: name, Name: filepath.Base(name), URL: name})
		}
		fileTool.Attach(files)
		taskOpts = append(taskOpts, ensemble.TaskWithFiles(files...))
	}

	result, err := engine.Execute(ctx, task, taskOpts...)
	if err != nil {
		log.Fatalf("execute: %v", err)
	}
	fmt.Println()

	writeArtifacts(result, workspace)
	if !result.Success {
		fmt.Fprintf(os.Stderr, "task failed (%s): %s\n", result.ErrKind, result.ErrDetail)
		os.Exit(1)
	}
	if result.Partial {
		fmt.Fprintln(os.Stderr, "task completed with partial results")
	}
}

// openHistory selects the archive backend. Returns nil when archival is
// disabled.
func openHistory(cfg config.Config, logger *slog.Logger) history.Store {
	switch cfg.History.Driver {
	case "none":
		return nil
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.History.PostgresURL)
		if err != nil {
			log.Fatalf("history: connect postgres: %v", err)
		}
		store := histpostgres.New(pool)
		if err := store.Init(context.Background()); err != nil {
			log.Fatalf("history: init postgres: %v", err)
		}
		return store
	default:
		store := histsqlite.New(cfg.History.Path, histsqlite.WithLogger(logger))
		if err := store.Init(context.Background()); err != nil {
			log.Fatalf("history: init sqlite: %v", err)
		}
		return store
	}
}

// writeArtifacts saves generated files under workspace/output/<task-id>/.
func writeArtifacts(result ensemble.Result, workspace string) {
	if len(result.Artifact.Files) == 0 {
		return
	}
	dir := filepath.Join(workspace, "output", result.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "artifact dir: %v\n", err)
		return
	}
	for _, f := range result.Artifact.Files {
		path := filepath.Join(dir, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "artifact %s: %v\n", f.Path, err)
			continue
		}
		if err := os.WriteFile(path, []byte(f.Content), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "artifact %s: %v\n", f.Path, err)
			continue
		}
		fmt.Fprintf(os.Stderr, "wrote %s\n", path)
	}
}
