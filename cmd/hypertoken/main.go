package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/flammafex/hypertoken/internal/auth"
	"github.com/flammafex/hypertoken/internal/config"
	"github.com/flammafex/hypertoken/internal/engine"
	"github.com/flammafex/hypertoken/internal/logging"
	"github.com/flammafex/hypertoken/internal/monitoring"
	"github.com/flammafex/hypertoken/internal/relay"
	"github.com/flammafex/hypertoken/internal/room"
	"github.com/flammafex/hypertoken/internal/server"
	"github.com/flammafex/hypertoken/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	tracerProvider, tracer, err := tracing.New(tracing.Options{Endpoint: cfg.TracingEndpoint})
	if err != nil {
		log.Fatal("tracing setup failed", zap.Error(err))
	}
	defer tracerProvider.Shutdown(context.Background())

	var handler http.Handler
	var cleanup func()

	switch cfg.Mode {
	case "relay":
		srv := relay.NewServer(relay.Options{
			RateLimit:       cfg.RateLimit,
			RateWindow:      cfg.RateWindow,
			MaxConnections:  cfg.MaxConnections,
			Logger:          log,
			Metrics:         metrics,
			MetricsRegistry: registry,
		})
		handler = srv.Handler()
		cleanup = srv.Close
	case "rooms":
		var tokens *auth.TokenManager
		if cfg.AuthToken != "" {
			tokens = auth.NewTokenManager(cfg.AuthToken)
		}
		rs := server.NewRoomServer(server.RoomServerOptions{
			Rooms:   room.NewManager(room.ManagerOptions{}),
			Tokens:  tokens,
			Logger:  log,
			Metrics: metrics,
			Factory: func(variant string) *engine.Engine {
				return engine.New(engine.Options{
					Origin:  "server",
					Logger:  log,
					Metrics: metrics,
					Tracer:  tracer,
				})
			},
		})
		handler = rs.Handler()
		cleanup = func() {}
	default:
		log.Fatal("unknown mode", zap.String("mode", cfg.Mode))
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		log.Info("listening", zap.String("mode", cfg.Mode), zap.Int("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	cleanup()
}
