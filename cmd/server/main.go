package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/listfeed/internal/api"
	"github.com/ignite/listfeed/internal/bigmailer"
	"github.com/ignite/listfeed/internal/config"
	"github.com/ignite/listfeed/internal/runs"
	"github.com/ignite/listfeed/internal/sheets"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  LISTFEED Server (cmd/server/main.go)                      ║")
	log.Println("║  Contact queue allocation for BigMailer lists              ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

	ctx, cancel := context.WithCancel(context.Background())

	// Initialize the sheet store
	store, err := sheets.New(ctx, cfg.Sheets)
	if err != nil {
		log.Fatalf("Failed to initialize sheet store: %v", err)
	}
	backend := cfg.Sheets.Type
	if backend == "" {
		backend = "local"
	}
	log.Printf("Sheet store initialized (backend: %s, source: %s, processed: %s)",
		backend, cfg.Sheets.SourceTable, cfg.Sheets.ProcessedTable)

	// Initialize the BigMailer client. Without it no run can upsert, so
	// missing credentials are fatal here (unlike the optional deps below).
	if cfg.BigMailer.APIKey == "" || cfg.BigMailer.BrandID == "" {
		log.Fatal("BigMailer not configured: set BIGMAILER_API_KEY and BIGMAILER_BRAND_ID")
	}
	client := bigmailer.NewClient(bigmailer.Config{
		APIKey:     cfg.BigMailer.APIKey,
		BrandID:    cfg.BigMailer.BrandID,
		BaseURL:    cfg.BigMailer.BaseURL,
		Timeout:    cfg.BigMailer.Timeout(),
		MaxRetries: cfg.BigMailer.MaxRetries,
		Validate:   cfg.BigMailer.ValidateEmails,
	})
	log.Printf("BigMailer client initialized (brand: %s)", cfg.BigMailer.BrandID)

	// Run service
	svc := runs.NewService(cfg, store, client)

	// Share the postgres handle for health checks and advisory locking
	var db *sql.DB
	if pg, ok := store.(*sheets.PostgresStore); ok {
		db = pg.DB()
		svc.SetDB(db)
	}

	// Initialize Redis for cross-process run state and locking
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.URL})
		} else {
			redisClient = redis.NewClient(opts)
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v — falling back to PG advisory locks", cfg.Redis.URL, err)
			redisClient.Close()
			redisClient = nil
		} else {
			svc.SetRedisClient(redisClient)
			log.Printf("Redis connected: %s (distributed locking enabled)", cfg.Redis.URL)
		}
		pingCancel()
	} else {
		log.Println("Redis not configured (REDIS_URL not set) — using PG advisory locks for distributed locking")
	}

	// Initialize S3 run archive
	if cfg.Archive.Enabled {
		archiver, err := runs.NewArchiver(ctx, cfg.Archive)
		if err != nil {
			log.Printf("Warning: run archive init failed (completed runs won't persist to S3): %v", err)
		} else {
			svc.SetArchiver(archiver)
			log.Printf("Run archive configured (bucket: %s)", cfg.Archive.S3Bucket)
		}
	}

	checker := api.NewHealthChecker(client, redisClient, db, cfg.Sheets.Type)
	server := api.NewServer(cfg, svc, client, checker)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")

	// Cancel background tasks
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
