package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"lectureIndex/config"
	"lectureIndex/core"
	"lectureIndex/processors"
	"lectureIndex/server"
	"lectureIndex/storage"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: lectureIndex <command> [flags]

Commands:
  serve    start the query API
  ingest   run the ingestion pipeline over a lecture manifest
  migrate  create the index schema and exit

Run "lectureIndex <command> -h" for command flags.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, args)
	case "ingest":
		err = runIngest(ctx, args)
	case "migrate":
		err = runMigrate(ctx, args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// app 各子命令共享的依赖
type app struct {
	cfg    *config.Config
	logger arbor.ILogger
	store  storage.IndexStore
	index  storage.ChunkIndex
	frames storage.FrameStore
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := core.NewLogger(cfg.Logging.Level)

	store, err := storage.OpenIndexStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	index, err := storage.OpenChunkIndex(ctx, cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open chunk index: %w", err)
	}
	frames, err := storage.OpenFrameStore(cfg.Frames)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open frame store: %w", err)
	}

	logger.Info().
		Str("store", cfg.Database.Backend).
		Str("vector", cfg.Vector.Backend).
		Str("frames", cfg.Frames.Backend).
		Msg("Index opened")
	return &app{cfg: cfg, logger: logger, store: store, index: index, frames: frames}, nil
}

func (a *app) Close() {
	if c, ok := a.index.(io.Closer); ok {
		_ = c.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close store")
	}
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the TOML config file")
	fs.Parse(args)

	a, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	cache, err := storage.NewQueryCache(ctx, a.cfg.Cache.RedisAddr, a.cfg.Cache.RedisDB,
		time.Duration(a.cfg.Cache.TTLSeconds)*time.Second)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Query cache disabled")
		cache = nil
	}
	defer cache.Close()

	var embedder processors.Embedder
	if a.cfg.HasValidAPI() {
		embedder = processors.NewOpenAIClient(a.cfg)
	} else {
		a.logger.Warn().Msg("OPENAI_API_KEY not set, /search disabled")
	}

	handlers := server.NewQueryHandlers(server.QueryDeps{
		Store:         a.store,
		ChunkIndex:    a.index,
		Frames:        a.frames,
		Cache:         cache,
		Embedder:      embedder,
		ExcludeRecent: a.cfg.Explain.AssociateExcludeRecent,
		Logger:        a.logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           server.NewRouter(handlers, server.NewMonitoringHandlers(a.store, cache), a.cfg.Server.AllowedOrigins, a.logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("Server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		a.logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func runIngest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the TOML config file")
	manifestPath := fs.String("manifest", "", "lecture manifest JSON (defaults to ingest.manifest)")
	stagesFlag := fs.String("stages", "", "comma separated stages to run: slides,frames,layout,transcribe,chunks,explain")
	fs.Parse(args)

	stages, err := processors.ParseStages(*stagesFlag)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.cfg.HasValidAPI() {
		return errors.New("OPENAI_API_KEY is required for ingestion")
	}
	if *manifestPath == "" {
		*manifestPath = a.cfg.Ingest.Manifest
	}
	lectures, err := processors.LoadManifest(*manifestPath)
	if err != nil {
		return err
	}

	pipeline := processors.NewPipeline(buildPipelineDeps(a), stages)
	summary := pipeline.Run(ctx, lectures)
	if len(summary.Failed) > 0 {
		return fmt.Errorf("%d video(s) failed: %v", len(summary.Failed), summary.Failed)
	}
	return nil
}

func buildPipelineDeps(a *app) processors.PipelineDeps {
	cfg := a.cfg
	ai := processors.NewOpenAIClient(cfg)

	var transcriber processors.Transcriber = processors.LocalWhisperTranscriber{
		Python:     cfg.ASR.Python,
		ScriptPath: cfg.ASR.ScriptPath,
		Language:   cfg.ASR.Language,
	}
	if cfg.ASR.Provider == "openai" {
		transcriber = processors.NewUploadTranscriber(ai, cfg.ASR.APIBitrateKbps)
	}
	var labeler processors.Labeler
	if cfg.Chunking.EnrichLabels {
		labeler = ai
	}

	consolidator := processors.NewLayoutConsolidator(processors.ConsolidatorConfigFrom(cfg.Layout), a.logger)
	slides := cfg.Slides

	return processors.PipelineDeps{
		Store:      a.store,
		ChunkIndex: a.index,
		OpenSampler: func(ctx context.Context, path string) (processors.FrameSampler, error) {
			return processors.OpenFFmpegSampler(ctx, path, slides.SampleRate, slides.ResizeWidth, slides.ResizeHeight)
		},
		SlideDetector: processors.NewSlideChangeDetector(slides.DiffThreshold, slides.ResizeWidth, slides.ResizeHeight, a.logger),
		Materializer:  processors.NewFrameMaterializer(a.frames, a.store, a.logger),
		Layout: processors.NewLayoutService(processors.NewPaddleXLayoutClient(cfg.Layout), consolidator,
			a.frames, a.store, a.logger),
		Transcription: processors.NewTranscriptionService(transcriber, a.store, cfg.Ingest.WorkDir, a.logger),
		Chunker:       processors.NewTranscriptChunker(ai, labeler, cfg.Chunking.SimilarityThreshold, a.logger),
		Explanations: processors.NewExplanationService(ai, ai, a.frames, a.store,
			cfg.Chunking.ContextBefore, cfg.Chunking.ContextAfter, a.logger),
		WorkDir:        cfg.Ingest.WorkDir,
		DownloadCookie: cfg.Ingest.DownloadCookie,
		Logger:         a.logger,
	}
}

// runMigrate opens every configured backend, which creates missing tables, indexes and collections.
func runMigrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the TOML config file")
	fs.Parse(args)

	a, err := newApp(ctx, *configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	a.logger.Info().Msg("Schema is up to date")
	return nil
}
