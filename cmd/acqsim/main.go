package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChangLabUcsf/SpikeMemory/internal/config"
	"github.com/ChangLabUcsf/SpikeMemory/internal/sim"
	"github.com/ChangLabUcsf/SpikeMemory/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	host := flag.String("host", "", "Override listen host")
	port := flag.Int("port", 0, "Override listen port")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *host != "" {
		cfg.Acquisition.Host = *host
	}
	if *port > 0 {
		cfg.Acquisition.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend := sim.New(cfg.Sim)
	if err := backend.Connect(ctx, "", 0); err != nil {
		log.Fatalf("Failed to start backend: %v", err)
	}
	defer backend.Close()

	mux := http.NewServeMux()
	sim.NewServer(backend).SetupRoutes(mux)
	srv := ws.NewHTTPServer(cfg.Acquisition.Host, cfg.Acquisition.Port, mux)

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Synthetic acquisition: %d probe(s) x %d ch on %s", cfg.Sim.Probes, cfg.Sim.ProbeChannels, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
}
