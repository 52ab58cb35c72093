// askstream - streaming question answering worker
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/askstream/internal/agent"
	"github.com/ashureev/askstream/internal/answer"
	"github.com/ashureev/askstream/internal/api"
	"github.com/ashureev/askstream/internal/broker"
	"github.com/ashureev/askstream/internal/config"
	"github.com/ashureev/askstream/internal/dispatch"
	"github.com/ashureev/askstream/internal/health"
	"github.com/ashureev/askstream/internal/identity"
	"github.com/ashureev/askstream/internal/ingest"
	"github.com/ashureev/askstream/internal/middleware"
	"github.com/ashureev/askstream/internal/pipeline"
	"github.com/ashureev/askstream/internal/session"
	"github.com/ashureev/askstream/internal/store"
	"github.com/ashureev/askstream/internal/vectorstore"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Server stopped with error", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting server", "port", cfg.Port, "index", cfg.Index.Name, "search", cfg.Search.Provider)

	// Journal.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	lost, err := repo.MarkAbandoned(ctx)
	if err != nil {
		return fmt.Errorf("mark abandoned units: %w", err)
	}
	if lost > 0 {
		slog.Warn("Units acknowledged by a previous run never finished and are marked lost",
			"count", lost,
			"delivery", "at-most-once")
	}
	store.StartRetentionWorker(ctx, repo, cfg.JournalRetention)
	slog.Info("Retention worker started", "retention", cfg.JournalRetention)

	// Retrieval index and reasoning.
	index, err := vectorstore.Open(cfg.Index.Dir, cfg.Index.Name, cfg.Index.Compress,
		vectorstore.OpenAIEmbedding(cfg.LLM.APIKey, cfg.LLM.EmbeddingModel))
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}
	slog.Info("Vector index ready", "name", cfg.Index.Name, "dir", cfg.Index.Dir, "chunks", index.Count())

	model, err := openai.New(openai.WithToken(cfg.LLM.APIKey), openai.WithModel(cfg.LLM.Model))
	if err != nil {
		return fmt.Errorf("create chat model: %w", err)
	}
	search, err := agent.NewSearchTool(agent.SearchOptions{
		Provider:     cfg.Search.Provider,
		GoogleAPIKey: cfg.Search.GoogleAPIKey,
		GoogleCSEID:  cfg.Search.GoogleCSEID,
		SerpAPIKey:   cfg.Search.SerpAPIKey,
		MaxResults:   cfg.Search.MaxResults,
		Timeout:      cfg.Search.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("create search tool: %w", err)
	}
	factory := agent.NewFactory(model, agent.Config{
		MemoryWindow:  cfg.Pipeline.MemoryWindow,
		MaxIterations: cfg.Pipeline.MaxIterations,
		Temperature:   cfg.LLM.Temperature,
	},
		agent.NewKnowledgeBaseTool(model, index, cfg.Index.RetrievalK, cfg.LLM.Temperature),
		search,
		agent.NewMathTool(),
	)
	slog.Info("Reasoning agent ready", "model", cfg.LLM.Model, "tools", factory.Tools())

	g, gctx := errgroup.WithContext(ctx)

	// Session delivery.
	router := session.NewRouter()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer func() {
			if closeErr := rdb.Close(); closeErr != nil {
				slog.Warn("Failed to close redis client", "error", closeErr)
			}
		}()
		relay := session.NewRedisRelay(rdb, router)
		router.SetRelay(relay)
		g.Go(func() error { return relay.Run(gctx) })
	}

	// Broker.
	conn, err := broker.Dial(ctx, cfg.RabbitMQ)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, broker.ErrClosed) {
			slog.Warn("Failed to close broker connection", "error", closeErr)
		}
	}()
	for _, q := range []string{cfg.Queues.Question, cfg.Queues.Answer, cfg.Queues.Load, cfg.Queues.Save, cfg.Queues.Delete} {
		if err := conn.DeclareQueue(q); err != nil {
			return err
		}
	}
	slog.Warn("Messages are acknowledged on receipt; units in flight at a crash are lost",
		"delivery", "at-most-once")

	pub := conn.Publisher()
	indexer := ingest.NewIndexer(index, cfg.Index.ChunkSize, cfg.Index.ChunkOverlap)

	questions := dispatch.New(
		pipeline.NewQuestionFlow(factory, router, answer.New(pub, cfg.Queues.Answer), cfg.Pipeline.InvokeTimeout),
		dispatch.WithRecorder(repo),
		dispatch.WithMaxInFlight(cfg.Pipeline.MaxInFlight),
	)
	ingests := dispatch.New(pipeline.NewIngestFlow(indexer, pub, cfg.Queues.Save), dispatch.WithRecorder(repo))
	retracts := dispatch.New(pipeline.NewRetractFlow(indexer), dispatch.WithRecorder(repo))

	consumers := []struct {
		queue string
		d     *dispatch.Dispatcher
	}{
		{cfg.Queues.Question, questions},
		{cfg.Queues.Load, ingests},
		{cfg.Queues.Delete, retracts},
	}
	for _, c := range consumers {
		deliveries, err := conn.Consume(c.queue)
		if err != nil {
			return err
		}
		g.Go(func() error {
			slog.Info("Consuming queue", "queue", c.queue, "flow", c.d.Name())
			return c.d.Consume(gctx, deliveries)
		})
	}

	// Health.
	hs := health.New()
	if cfg.GRPCHealthAddr != "" {
		g.Go(func() error { return hs.ListenAndServe(gctx, cfg.GRPCHealthAddr) })
	}
	closed := conn.NotifyClose()
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			hs.SetServing(false)
			if !ok || amqpErr == nil {
				return broker.ErrClosed
			}
			return fmt.Errorf("broker connection lost: %w", amqpErr)
		}
	})
	hs.SetServing(true)

	// HTTP.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware())

	r.Get("/ws", session.NewWebSocketHandler(router, cfg.AllowedOrigins).ServeHTTP)
	api.NewHandler(repo, router, index, session.NewSSEHandler(router, cfg.SSEKeepalive),
		questions, ingests, retracts).RegisterRoutes(r)

	// SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		hs.SetServing(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		for _, c := range consumers {
			if err := c.d.Wait(shutdownCtx); err != nil {
				slog.Warn("In-flight units did not finish before shutdown",
					"flow", c.d.Name(),
					"in_flight", c.d.InFlight(),
					"error", err)
			}
		}
		router.CloseAll("server shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
