package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"idempay/internal/api"
	"idempay/internal/gateway"
	"idempay/internal/model"
	"idempay/internal/obs"
	"idempay/internal/registry"
	"idempay/internal/storage"
)

func main() {
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := getenv("IDEMPAY_ADDR", ":8080")
	store := getenv("IDEMPAY_STORE", "memory") // memory | sqlite | redis

	cfg := model.Config{
		TTL:          getdur("IDEMPAY_TTL", time.Hour),
		OpTimeout:    getdur("IDEMPAY_OP_TIMEOUT", 10*time.Second),
		AwaitTimeout: getdur("IDEMPAY_AWAIT_TIMEOUT", 5*time.Second),
	}
	sweepInterval := getdur("IDEMPAY_SWEEP_INTERVAL", 500*time.Millisecond)

	logger := obs.NewLogger(os.Getenv("IDEMPAY_DEBUG") != "")
	metrics := obs.NewMetrics()

	reg, cleanup, err := openRegistry(ctx, store)
	if err != nil {
		log.Fatalf("open registry (%s): %v", store, err)
	}
	defer cleanup()

	gw := gateway.NewSimulated(
		getdur("IDEMPAY_GATEWAY_LATENCY", 100*time.Millisecond),
		getfloat("IDEMPAY_GATEWAY_FAILRATE", 0),
	)

	svc := model.NewService(reg, gw, logger, metrics, cfg)
	apiServer := api.NewServer(svc)

	reaper := model.NewReaper(reg, logger, metrics, sweepInterval)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup

	// Start reaper
	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx) // exits when ctx is cancelled
	}()

	// Start HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("idempay up addr=%s store=%s ttl=%s", addr, store, cfg.TTL)
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
			// If server fails unexpectedly, trigger shutdown.
			stop()
		}
	}()

	// Wait for signal
	<-ctx.Done()
	log.Printf("shutdown signal received")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}

	// Wait for goroutines to finish
	wg.Wait()
	log.Printf("idempay stopped")
}

func openRegistry(ctx context.Context, store string) (model.Registry, func(), error) {
	switch store {
	case "sqlite":
		db, err := storage.Open(ctx, storage.Config{
			Path:         getenv("IDEMPAY_DB", "./idempay.db"),
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 20,
			MaxIdleConns: 20,
		})
		if err != nil {
			return nil, nil, err
		}
		return registry.NewSQLite(db.DB), func() { _ = db.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     getenv("IDEMPAY_REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("IDEMPAY_REDIS_PASSWORD"),
			DB:       getint("IDEMPAY_REDIS_DB", 0),
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, err
		}
		reg := registry.NewRedis(client, getenv("IDEMPAY_REDIS_PREFIX", "idem:"))
		return reg, func() { _ = reg.Close() }, nil

	default: // memory
		reg := registry.NewMemory()
		return reg, func() {}, nil
	}
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getdur(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", k, err)
	}
	return d
}

func getint(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid %s: %v", k, err)
	}
	return n
}

func getfloat(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Fatalf("invalid %s: %v", k, err)
	}
	return f
}
