package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"collaborative-workspace-sync/internal/config"
	"collaborative-workspace-sync/internal/discovery"
	"collaborative-workspace-sync/internal/logger"
	"collaborative-workspace-sync/internal/relay"
	"collaborative-workspace-sync/redis"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		log := logger.New("production", "error")
		log.Fatal().Err(err).Msg("Configuration rejected")
	}
	cfg := config.AppConfig

	flags := pflag.NewFlagSet("relay", pflag.ExitOnError)
	flags.StringVar(&cfg.RelayPort, "port", cfg.RelayPort, "port to listen on")
	flags.StringVar(&cfg.RelayBindScope, "bind", cfg.RelayBindScope, "bind scope: loopback or all")
	flags.StringVar(&cfg.RelayRedisAddress, "redis", cfg.RelayRedisAddress, "redis address used to join other relay instances")
	flags.BoolVar(&cfg.RelayMDNS, "mdns", cfg.RelayMDNS, "advertise the relay on the local network")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.Parse(os.Args[1:])

	log := logger.Component(logger.New(cfg.Environment, cfg.LogLevel), "relay")
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Relay stopped with error")
	}
	log.Info().Msg("Relay shutdown complete")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	hubOpts := relay.Options{Logger: log}

	// Initialize Redis
	if cfg.RelayRedisAddress != "" {
		if bridge := redis.NewBridge(ctx, cfg.RelayRedisAddress, log); bridge != nil {
			defer bridge.Close()
			hubOpts.Bridge = bridge
		}
	}
	hub := relay.NewHub(hubOpts)
	defer hub.Close()

	router := relay.NewRouter(hub, relay.RouterOptions{
		Environment: cfg.Environment,
		Logger:      log,
	})
	server := &http.Server{
		Addr:              cfg.RelayListenAddress(),
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.RelayMDNS || cfg.RelayBindScope == config.BindAll {
		port, _ := strconv.Atoi(cfg.RelayPort)
		ad, err := discovery.Advertise(port, log)
		if err != nil {
			log.Warn().Err(err).Msg("mDNS advertisement unavailable")
		} else {
			defer ad.Shutdown()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("Relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := hub.RunBridge(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down relay...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Close()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
