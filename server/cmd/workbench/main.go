package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/newsworkbench/engine/server/internal/analysis"
	"github.com/newsworkbench/engine/server/internal/cluster"
	"github.com/newsworkbench/engine/server/internal/config"
	"github.com/newsworkbench/engine/server/internal/dataprocessor"
	"github.com/newsworkbench/engine/server/internal/graphql"
	"github.com/newsworkbench/engine/server/internal/llmservice"
	"github.com/newsworkbench/engine/server/internal/models"
	"github.com/newsworkbench/engine/server/internal/rss"
	"github.com/newsworkbench/engine/server/internal/sourcestatus"
	"github.com/newsworkbench/engine/server/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	// Construction is leaves-first: Storage and the config Manager have no
	// dependencies on anything else in the workbench, so they open first.
	dbPath := os.Getenv("WORKBENCH_DB_PATH")
	if dbPath == "" {
		dbPath = storage.InMemoryPath
	}
	store, err := storage.Open(dbPath)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer store.Close()

	cfgManager, err := config.Open(os.Getenv("WORKBENCH_CONFIG_DIR"))
	if err != nil {
		log.Fatalf("failed to open LLM config manager: %v", err)
	}
	defer cfgManager.Close()

	llm, err := llmservice.NewOllamaService(cfgManager)
	if err != nil {
		log.Fatalf("failed to construct LLM service: %v", err)
	}

	clust := cluster.New(cluster.DefaultConfig(), llm)
	dp := dataprocessor.New(store, clust, llm)
	engine := analysis.New(llm, dp)

	probers := map[models.SourceType]sourcestatus.Prober{
		models.SourceTypeRSS: rss.NewProber(),
	}
	statusSvc := sourcestatus.New(store, probers)

	gqlHandler, err := graphql.Handler(store, cfgManager, clust, dp, engine, statusSvc)
	if err != nil {
		log.Fatalf("failed to create GraphQL handler: %v", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/graphql", gqlHandler)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-running LLM analysis calls
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("workbench server starting on port %s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("workbench server shutting down...")
	if statusSvc.IsRunning() {
		statusSvc.Cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	log.Println("workbench server exited")
}
