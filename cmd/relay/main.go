package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tally/internal/config"
	"tally/internal/relay"
)

func main() {
	cfg := config.Load()

	var registry relay.Registry
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for room registry")
		redisRegistry, err := relay.NewRedisRegistry(cfg.RedisURL, cfg.RoomTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		registry = redisRegistry
	} else {
		log.Printf("Using in-memory room registry")
		registry = relay.NewMemoryRegistry(cfg.RoomTTL)
	}
	defer registry.Close()

	srv := relay.NewServer(cfg, registry)
	// Websocket connections are hijacked from the HTTP server, so only the
	// handshake-phase timeouts apply here.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Tally relay listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
