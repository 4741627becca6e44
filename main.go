package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/logging"
	"videoSearch/pipeline"
	"videoSearch/providers"
	"videoSearch/search"
	"videoSearch/server"
	"videoSearch/storage"
)

func main() {
	log := logging.New()
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx := context.Background()

	artifacts, err := storage.NewFSArtifactStore(core.DataRoot())
	if err != nil {
		log.WithError(err).Fatal("failed to initialize artifact store")
	}

	records, pool := initRecordStore(ctx, cfg, log)
	if pool != nil {
		defer pool.Close()
	}

	embedder, captioner := initEnrichment(cfg, log)
	speechIndex, captionIndex := initTextIndexes(ctx, cfg, pool, embedder, log)
	frameIndex, frameBackend := initFrameIndex(ctx, cfg, embedder, log)

	var transcriber providers.TranscriptionProvider
	if cfg.TranscribeURL != "" {
		transcriber = providers.NewHTTPTranscriber(cfg.TranscribeURL)
	} else {
		log.Warn("TRANSCRIBE_URL not set, using mock transcriber")
		transcriber = providers.NewMockTranscriber(2, nil)
	}
	var extractor providers.FrameExtractor = providers.FFmpegFrameExtractor{}

	stages := pipeline.NewStageSet(artifacts, captioner, embedder, speechIndex, captionIndex, frameIndex, log)
	dispatcher := pipeline.NewDispatcher(records, stages, cfg, log)
	poller := pipeline.NewPoller(transcriber, artifacts,
		cfg.PollIntervalDuration(), cfg.PollMaxIntervalDuration(), log)
	coord := pipeline.NewCoordinator(records, artifacts, dispatcher, poller, transcriber, extractor, cfg, log)

	if err := poller.LoadHandles(ctx); err != nil {
		log.WithError(err).Warn("failed to restore job handles")
	}
	pollCtx, stopPoller := context.WithCancel(ctx)
	go poller.Run(pollCtx)

	backends := []storage.SearchBackend{speechIndex, captionIndex}
	if frameBackend != nil {
		backends = append(backends, frameBackend)
	}
	engine := search.NewEngine(search.KeywordClassifier{}, backends, artifacts,
		cfg.BackendTimeoutDuration(), log)

	mux := http.NewServeMux()
	server.New(coord, engine, records, artifacts, log).Routes(mux)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		log.WithField("port", port).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	stopPoller()
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	dispatcher.Wait()
}

// initRecordStore connects Postgres when configured and falls back to the
// in-memory store otherwise.
func initRecordStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (storage.RecordStore, *pgxpool.Pool) {
	if !cfg.HasPostgres() {
		log.Warn("POSTGRES_URL not set, using in-memory record store")
		return storage.NewMemoryRecordStore(), nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.WithError(err).Warn("postgres unavailable, using in-memory record store")
		return storage.NewMemoryRecordStore(), nil
	}
	records, err := storage.NewPgRecordStore(ctx, pool)
	if err != nil {
		log.WithError(err).Warn("postgres schema setup failed, using in-memory record store")
		pool.Close()
		return storage.NewMemoryRecordStore(), nil
	}
	log.Info("using postgres record store")
	return records, pool
}

func initEnrichment(cfg *config.Config, log *logrus.Logger) (providers.EmbeddingProvider, providers.CaptionProvider) {
	if cfg.HasValidAPI() {
		return providers.NewOpenAIEmbedder(cfg), providers.NewOpenAICaptioner(cfg)
	}
	log.Warn("API_KEY not set, using mock embedding and captioning")
	return providers.MockEmbedder{}, providers.MockCaptioner{}
}

func initTextIndexes(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool,
	embedder providers.EmbeddingProvider, log *logrus.Logger) (storage.TextIndex, storage.TextIndex) {
	if pool != nil && cfg.HasValidAPI() {
		speech, err := storage.NewPgSpeechIndex(ctx, pool, embedder)
		if err == nil {
			caption, err2 := storage.NewPgCaptionIndex(ctx, pool, embedder)
			if err2 == nil {
				log.Info("using pgvector text indexes")
				return speech, caption
			}
			err = err2
		}
		log.WithError(err).Warn("pgvector unavailable, using in-memory text indexes")
	} else {
		log.Warn("using in-memory text indexes")
	}
	return storage.NewMemoryTextIndex(core.BackendSpeech), storage.NewMemoryTextIndex(core.BackendCaption)
}

func initFrameIndex(ctx context.Context, cfg *config.Config,
	embedder providers.EmbeddingProvider, log *logrus.Logger) (storage.FrameIndexer, storage.SearchBackend) {
	if cfg.HasMilvus() {
		idx, err := storage.NewMilvusFrameIndex(ctx, cfg.MilvusAddr, cfg.MilvusCollection, embedder)
		if err == nil {
			log.Info("using milvus frame index")
			return idx, idx
		}
		log.WithError(err).Warn("milvus unavailable, using in-memory frame index")
	}
	idx := storage.NewMemoryFrameIndex(embedder)
	return idx, idx
}
