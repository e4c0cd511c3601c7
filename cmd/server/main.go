package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/priya/turnstile/config"
	"github.com/priya/turnstile/internal/handler"
	"github.com/priya/turnstile/internal/middleware"
	"github.com/priya/turnstile/internal/repository"
	"github.com/priya/turnstile/internal/service"
	"github.com/priya/turnstile/pkg/cache"
	"github.com/priya/turnstile/pkg/clock"
	"github.com/priya/turnstile/pkg/db"
	"github.com/priya/turnstile/pkg/sequence"
)

func main() {
	// ── Load configuration ──────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	// ── Connect to PostgreSQL ───────────────────────────
	pgPool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	defer pgPool.Close()
	log.Println("✓ PostgreSQL connected")

	// ── Connect to Redis ────────────────────────────────
	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("✓ Redis connected")

	// ── Initialize layers ───────────────────────────────
	clk := clock.NewSystem()
	arrivals := sequence.NewArrivalClock(clk)

	eventRepo := repository.NewEventRepository(pgPool)
	intentRepo := repository.NewIntentRepository(pgPool)
	ticketRepo := repository.NewTicketRepository(pgPool)
	allocRepo := repository.NewAllocationRepository(pgPool)
	availCache := repository.NewAvailabilityCache(pgPool, redisClient)

	intakeSvc := service.NewIntakeService(intentRepo, availCache, arrivals, clk, cfg.Queue.WaitEstimatePerIntent)
	cancelSvc := service.NewCancelService(intentRepo)
	querySvc := service.NewQueryService(intentRepo, eventRepo, ticketRepo, cfg.Queue.WaitEstimatePerIntent)

	processor := service.NewQueueProcessor(intentRepo, allocRepo, availCache, clk, service.ProcessorConfig{
		TickPeriod:       cfg.Queue.TickPeriod,
		BatchSize:        cfg.Queue.BatchSize,
		IntentExpiry:     cfg.Queue.IntentExpiry,
		PerIntentTimeout: cfg.Queue.PerIntentTimeout,
		MaxAttempts:      cfg.Queue.MaxAttempts,
		SweeperPeriod:    cfg.Queue.SweeperPeriod,
	})

	// ── Start queue processor ───────────────────────────
	// Runs crash recovery first, then the tick and sweep loops.
	if err := processor.Start(ctx); err != nil {
		log.Fatalf("failed to start queue processor: %v", err)
	}
	log.Println("✓ Queue processor started")

	eventHandler := handler.NewEventHandler(eventRepo, querySvc)
	intentHandler := handler.NewIntentHandler(intakeSvc, cancelSvc, querySvc)
	queueHandler := handler.NewQueueHandler(processor)

	// ── Setup router ────────────────────────────────────
	router := mux.NewRouter()

	// Health check endpoint.
	router.HandleFunc("/health", healthHandler(pgPool, redisClient)).Methods(http.MethodGet)

	// API v1 routes.
	api := router.PathPrefix("/api/v1").Subrouter()
	// Event administration
	api.HandleFunc("/events", eventHandler.CreateEvent).Methods(http.MethodPost)
	api.HandleFunc("/events", eventHandler.ListEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/{event_id}", eventHandler.GetEvent).Methods(http.MethodGet)
	// Queue admission and statistics
	api.HandleFunc("/events/{event_id}/queue", intentHandler.SubmitIntent).Methods(http.MethodPost)
	api.HandleFunc("/events/{event_id}/queue/stats", eventHandler.GetQueueStats).Methods(http.MethodGet)
	// Intent status, completion, cancellation
	api.HandleFunc("/intents/{intent_id}", intentHandler.GetIntent).Methods(http.MethodGet)
	api.HandleFunc("/intents/{intent_id}/cancel", intentHandler.CancelIntent).Methods(http.MethodPost)
	api.HandleFunc("/intents/{intent_id}/completion", intentHandler.GetCompletion).Methods(http.MethodGet)
	// Processor introspection
	api.HandleFunc("/queue/health", queueHandler.GetHealth).Methods(http.MethodGet)

	// Request logging outermost, then panic recovery, then CORS so
	// browser clients (e.g. Swagger UI) can call the API.
	chained := middleware.RequestLogger(middleware.Recoverer(middleware.CORS(router)))

	// ── Start HTTP server ───────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.ServerAddr(),
		Handler:      chained,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start in a goroutine so we can listen for shutdown signals.
	go func() {
		log.Printf("🚀 Server listening on %s", cfg.Server.ServerAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// ── Graceful shutdown ───────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("⏳ Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Drain HTTP first so no new intents arrive, then stop the
	// processor; an intent mid-retry is left processing for the next
	// start's crash recovery. Pools close last via the defers above.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced to shutdown: %v", err)
	}
	processor.Stop()

	log.Println("✅ Server gracefully stopped")
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// healthHandler returns an HTTP handler that checks PG and Redis connectivity.
func healthHandler(pgPool *pgxpool.Pool, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Services: make(map[string]string),
		}

		if err := db.HealthCheck(r.Context(), pgPool); err != nil {
			resp.Status = "degraded"
			resp.Services["postgres"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["postgres"] = "healthy"
		}

		if err := cache.HealthCheck(r.Context(), redisClient); err != nil {
			resp.Status = "degraded"
			resp.Services["redis"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["redis"] = "healthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
