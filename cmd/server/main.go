package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gwi.com/article-assistant/internal/api"
	"gwi.com/article-assistant/internal/assistant"
	"gwi.com/article-assistant/internal/auth"
	"gwi.com/article-assistant/internal/config"
	"gwi.com/article-assistant/internal/session"
	"gwi.com/article-assistant/internal/store"
	"gwi.com/article-assistant/internal/stream"
	"gwi.com/article-assistant/internal/tasks"
	"gwi.com/article-assistant/internal/telemetry"
)

func main() {
	// Load configuration
	config.LoadConfig()
	cfg := config.AppConfig

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if cfg.LogLevel == "DEBUG" {
		log.Println("Service starting in DEBUG mode")
	}

	printTokenFlag := flag.Bool("print-token", false, "Print a service token for the generation endpoint and exit")
	flag.Parse()

	if *printTokenFlag {
		if cfg.AuthSecret == "" {
			log.Fatal("AUTH_SECRET is not set, authentication is disabled")
		}
		token, err := auth.GenerateJWT(cfg.AuthSecret, auth.ServiceSubject, 24*time.Hour)
		if err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		fmt.Println(token)
		os.Exit(0)
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	catalog, err := tasks.Load(cfg.TasksFile)
	if err != nil {
		log.Fatalf("Failed to load task catalogue: %v", err)
	}

	reporter := telemetry.NewPrometheusReporter(prometheus.DefaultRegisterer)

	asst, closeAssistant, err := newAssistant(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize assistant backend %q: %v", cfg.AssistantBackend, err)
	}
	defer closeAssistant()

	// The session manager consumes the generation endpoint like any other client.
	client := stream.NewClient(cfg.GenerateURL,
		stream.WithCredential(auth.ServiceCredential(cfg.AuthSecret)),
		stream.WithReporter(reporter),
		stream.WithIdleTimeout(cfg.StreamTimeout),
		stream.WithPhaseHook(func(p stream.Phase) { config.Debugf("Generation stream is now %s", p) }),
	)

	manager := session.NewManager(dbStore, client, catalog, session.WithDefaultTask(cfg.DefaultTask))
	if err := manager.Load(context.Background()); err != nil {
		log.Fatalf("Failed to load sessions: %v", err)
	}

	apiHandler := api.NewAPIHandler(manager, catalog, asst, api.HandlerConfig{
		AuthSecret:     cfg.AuthSecret,
		AuthPassword:   cfg.AuthPassword,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Reporter:       reporter,
	})
	defer apiHandler.Close()
	router := api.NewRouter(apiHandler, prometheus.DefaultGatherer)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // drafting requests block until the whole article is generated
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s with the %s assistant. Press Ctrl+C to quit.", serverAddr, cfg.AssistantBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}

// newAssistant builds the configured backend and a func releasing it.
func newAssistant(cfg config.Config) (assistant.Assistant, func(), error) {
	switch cfg.AssistantBackend {
	case config.BackendPinecone:
		p := assistant.NewPinecone(cfg.PineconeBaseURL, cfg.PineconeAPIKey, cfg.PineconeAssistantName, cfg.PineconeModel, nil)
		return p, func() {}, nil
	case config.BackendGemini:
		g, err := assistant.NewGemini(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	default:
		m := &assistant.Mock{InitialDelay: 300 * time.Millisecond, ChunkDelay: 40 * time.Millisecond}
		return m, func() {}, nil
	}
}
