package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"consultra.io/internal/auth"
	"consultra.io/internal/httpapi"
	"consultra.io/internal/obs"
)

var version = "0.3.0"

func main() {
	obs.Init()

	secret := os.Getenv("CONSULTRA_AUTH_SECRET")
	if secret == "" {
		log.Fatal("CONSULTRA_AUTH_SECRET is required")
	}

	dsn := os.Getenv("CONSULTRA_PG_DSN")
	if dsn == "" {
		log.Fatal("CONSULTRA_PG_DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	// The blacklist must be shared by every worker process; Redis is the
	// production store, the in-memory fallback is for single-process dev runs.
	var (
		rdb       *redis.Client
		blacklist auth.Blacklist
		counters  httpapi.CounterStore
	)
	if addr := os.Getenv("CONSULTRA_REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		blacklist = auth.NewRedisBlacklist(rdb)
		counters = httpapi.NewRedisCounterStore(rdb)
	} else {
		log.Print("CONSULTRA_REDIS_ADDR not set; falling back to per-process revocation and rate limiting")
		blacklist = auth.NewMemoryBlacklist()
		counters = httpapi.NewMemoryCounterStore()
	}

	tokens, err := auth.NewTokenService(secret,
		auth.WithAccessTTL(envDuration("CONSULTRA_ACCESS_TTL", 15*time.Minute)),
		auth.WithRefreshTTL(envDuration("CONSULTRA_REFRESH_TTL", 14*24*time.Hour)),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	store := auth.NewPGStore(db)
	svc, err := auth.NewService(store, blacklist, tokens)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	probe := httpapi.ReadyProbe{DB: db, Redis: rdb}
	api := httpapi.New(httpapi.Config{
		Auth:       svc,
		ReadyProbe: probe,
		Version:    version,
		Tenant: httpapi.TenantOptions{
			Default: os.Getenv("CONSULTRA_TENANT_DEFAULT"),
		},
		RateLimit: httpapi.RateLimitConfig{
			Strategy: &httpapi.FixedWindowStrategy{Store: counters},
			Limit:    envInt64("CONSULTRA_RATE_LIMIT_MAX", 300),
			Window:   envDuration("CONSULTRA_RATE_LIMIT_WINDOW", time.Minute),
			KeyFunc:  httpapi.ClientIPKey,
		},
	})

	addr := os.Getenv("CONSULTRA_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var grpcSrv interface{ GracefulStop() }
	if grpcAddr := os.Getenv("CONSULTRA_GRPC_ADDR"); grpcAddr != "" {
		grpcSrv, err = httpapi.StartGRPCHealth(ctx, grpcAddr, probe)
		if err != nil {
			log.Fatalf("grpc health: %v", err)
		}
		log.Printf("gRPC health on %s", grpcAddr)
	}

	log.Printf("Starting %s %s on %s", "consultra-api", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	cancel()
	if rdb != nil {
		_ = rdb.Close()
	}
	_ = db.Close()
	log.Println("Stopped")
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		log.Printf("ignoring invalid %s=%q", name, v)
	}
	return fallback
}

func envInt64(name string, fallback int64) int64 {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
		log.Printf("ignoring invalid %s=%q", name, v)
	}
	return fallback
}
