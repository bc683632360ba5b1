package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"cwphosting.org/internal/app"
	"cwphosting.org/internal/config"
	"cwphosting.org/internal/httpapi"
	"cwphosting.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("load config")
	}

	obs.InitLogger(obs.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build service")
	}
	defer a.Close()

	api := httpapi.New(a.Probe, version, a.Service, httpapi.WithLoginRateLimit(cfg.RateBurst, cfg.RatePerSec))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go a.RunJanitor(ctx, 10*time.Minute)

	var grpcSrv *grpc.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("grpc listen")
		}
		grpcSrv = grpc.NewServer()
		health := httpapi.NewGRPCServer(a.Probe)
		health.Register(grpcSrv)
		go health.Run(ctx, 5*time.Second)
		go func() {
			log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc health listening")
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Error().Err(err).Msg("grpc serve")
			}
		}()
	}

	go func() {
		log.Info().Str("version", version).Str("addr", srv.Addr).
			Str("store", cfg.Store).Str("refresh_store", cfg.RefreshStore).
			Msg("starting cwp-auth")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Info().Msg("stopped")
}
