package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChangLabUcsf/SpikeMemory/internal/acq"
	"github.com/ChangLabUcsf/SpikeMemory/internal/config"
	"github.com/ChangLabUcsf/SpikeMemory/internal/detect"
	"github.com/ChangLabUcsf/SpikeMemory/internal/metric"
	"github.com/ChangLabUcsf/SpikeMemory/internal/pipeline"
	"github.com/ChangLabUcsf/SpikeMemory/internal/sim"
	"github.com/ChangLabUcsf/SpikeMemory/internal/ws"
)

func main() {
	simMode := flag.Bool("sim", false, "Use the in-process synthetic acquisition backend")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	host := flag.String("host", "", "Override server host")
	port := flag.Int("port", 0, "Override server port")
	acqHost := flag.String("acq-host", "", "Override acquisition host")
	acqPort := flag.Int("acq-port", 0, "Override acquisition port")
	genToken := flag.Bool("gen-token", false, "Print a random auth token and exit")
	flag.Parse()

	if *genToken {
		tok, err := config.GenerateToken()
		if err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyOverrides(cfg, *host, *port, *acqHost, *acqPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var backend acq.Backend
	if *simMode {
		log.Println("Starting with the synthetic acquisition backend")
		backend = sim.New(cfg.Sim)
	} else {
		log.Printf("Connecting to acquisition at %s:%d", cfg.Acquisition.Host, cfg.Acquisition.Port)
		backend = acq.NewRemoteBackend()
	}

	openCtx, cancelOpen := context.WithTimeout(ctx, cfg.Acquisition.ConnectTimeout)
	sess, ok := acq.Connect(openCtx, backend, cfg.Acquisition.Host, cfg.Acquisition.Port, cfg.Pipeline.Downsample)
	cancelOpen()
	if !ok {
		log.Fatal("No acquisition session, exiting")
	}

	reg := metric.NewRegistry()
	broadcaster := ws.NewBroadcaster(cfg.Server.BroadcastThrottle, cfg.Server.SnapshotInterval, cfg.Server.MaxConnections)
	defer broadcaster.Stop()

	engine, err := pipeline.NewEngine(ctx, cfg, sess, broadcaster, reg.Metrics)
	if err != nil {
		_ = sess.Close()
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	defer engine.Close()

	if cfg.Server.AuthToken == "" && !isLoopback(cfg.Server.Host) {
		log.Printf("WARNING: serving on %s without server.auth_token", cfg.Server.Host)
	}

	server, err := ws.NewServer(engine.Results(), engine.Streams(), engine, broadcaster, cfg.Server.AllowedOrigins, cfg.Server.AuthToken)
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}
	if cfg.Metrics.Enabled {
		server.SetMetricsHandler(cfg.Metrics.Path, reg.Handler())
	}

	httpServer := ws.NewHTTPServer(cfg.Server.Host, cfg.Server.Port, server.Handler())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		engine.Start(gctx)
		return nil
	})
	g.Go(func() error {
		sampleProcess(gctx, engine, cfg.Server.SnapshotInterval)
		return nil
	})
	g.Go(func() error {
		watchReload(gctx, *configPath, cfg, engine)
		return nil
	})
	g.Go(func() error {
		log.Printf("Listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server error: %v", err)
	}
}

func applyOverrides(cfg *config.Config, host string, port int, acqHost string, acqPort int) {
	if host != "" {
		cfg.Server.Host = host
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if acqHost != "" {
		cfg.Acquisition.Host = acqHost
	}
	if acqPort > 0 {
		cfg.Acquisition.Port = acqPort
	}
}

func isLoopback(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// sampleProcess feeds CPU and memory usage into snapshots and metrics.
func sampleProcess(ctx context.Context, engine *pipeline.Engine, interval time.Duration) {
	sampler, err := metric.NewProcessSampler()
	if err != nil {
		log.Printf("[metric] process sampling disabled: %v", err)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := sampler.Sample()
			if err != nil {
				log.Printf("[metric] %v", err)
				continue
			}
			engine.SetProcessStats(stats)
		}
	}
}

// watchReload re-reads the config on SIGHUP and applies the detection
// parameters. Other sections need a restart.
func watchReload(ctx context.Context, path string, current *config.Config, engine *pipeline.Engine) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		next, err := config.Load(path)
		if err != nil {
			log.Printf("[config] reload failed, keeping current config: %v", err)
			continue
		}
		changes := config.Diff(current, next)
		if len(changes) == 0 {
			log.Println("[config] reload: no changes")
			continue
		}
		for _, c := range changes {
			log.Printf("[config] %s", c)
		}

		mode, _ := config.ParseMode(next.Spikes.Mode)
		// The inactive mode's threshold is kept for a later mode switch.
		engine.UpdateTunables(func(t *detect.Tunables) {
			t.AbsoluteThreshold = next.Spikes.AbsoluteThreshold
			t.RMSMultiplier = next.Spikes.RMSMultiplier
		})
		params := detect.Params{Mode: detect.Mode(mode), Threshold: next.Spikes.Threshold()}
		engine.SetParams(params)
		log.Printf("[config] detection: mode %s, threshold %g", mode, params.Threshold)
		current.Spikes = next.Spikes
	}
}
