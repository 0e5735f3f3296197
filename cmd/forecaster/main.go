// Package main implements the air-quality forecaster service.
//
// The forecaster serves hourly pollutant forecasts for the city's zones over
// HTTP, refreshes them on a schedule, monitors their accuracy against the
// measurements that later arrive and retrains or fine-tunes the zone models
// when they drift or grow stale.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/khrystyna-dutka/Masterwork/cmd/forecaster/config"
	"github.com/khrystyna-dutka/Masterwork/cmd/forecaster/logger"
	"github.com/khrystyna-dutka/Masterwork/cmd/forecaster/metrics"
	fmodels "github.com/khrystyna-dutka/Masterwork/cmd/forecaster/models"
	"github.com/khrystyna-dutka/Masterwork/cmd/forecaster/router"
	"github.com/khrystyna-dutka/Masterwork/cmd/forecaster/store"
	"github.com/khrystyna-dutka/Masterwork/pkg/feedback"
	"github.com/khrystyna-dutka/Masterwork/pkg/forecast"
	"github.com/khrystyna-dutka/Masterwork/pkg/httpx"
	"github.com/khrystyna-dutka/Masterwork/pkg/monitor"
)

const version = "v0.3.0"

func main() {
	cfg := config.ParseFlags()

	log := logger.New(cfg)
	slog.SetDefault(log)

	log.Info("starting air-quality forecaster",
		"version", version,
		"storage", cfg.Storage,
		"artifacts", cfg.Artifacts,
		"model", cfg.Model,
	)

	m := metrics.New(prometheus.DefaultRegisterer)
	db := store.New(cfg, log)
	defer db.Close()
	arts := store.NewArtifacts(cfg, log)

	svc := forecast.NewService(fmodels.ServiceConfig(cfg, log), db, arts, log)
	mon := monitor.New(db, db, svc, cfg.Monitor, log)

	grpcServer := grpc.NewServer()
	zh := newZoneHealth(health.NewServer())
	healthpb.RegisterHealthServer(grpcServer, zh.srv)
	reflection.Register(grpcServer)
	mon.OnDecision = func(d monitor.Decision) {
		m.ObserveDecision(d)
		zh.observe(d)
	}

	ccfg := feedback.DefaultCollectorConfig()
	ccfg.Window, ccfg.Tolerance = cfg.Monitor.Window, cfg.Monitor.Tolerance
	collector := feedback.NewCollector(ccfg, db, db, db, svc, log)
	trainer := feedback.NewIncrementalTrainer(feedback.TrainerConfig{
		MinRecords:   cfg.Feedback.MinRecords,
		Limit:        cfg.Feedback.Limit,
		Epochs:       cfg.Feedback.Epochs,
		LearningRate: cfg.Feedback.LearningRate,
	}, db, svc, log)

	f := New(svc, mon, collector, trainer, m, cfg.Horizon, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zh.init(ctx, svc)

	scheduler := NewCron(log)
	if err := f.Schedule(ctx, scheduler, cfg.Schedule); err != nil {
		log.Error("failed to schedule jobs", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	if cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			log.Error("failed to listen", "addr", cfg.GRPCListen, "error", err)
			os.Exit(1)
		}
		go func() {
			log.Info("grpc health server listening", "address", cfg.GRPCListen)
			if err := grpcServer.Serve(lis); err != nil {
				log.Error("grpc server failed", "error", err)
			}
		}()
	}

	handler := router.SetupRoutes(router.Options{
		Service:      svc,
		Monitor:      mon,
		Forecasts:    db,
		Metrics:      m,
		Health:       store.Check(db),
		DefaultHours: cfg.Horizon,
		StaleAfter:   2 * time.Hour,
	}, log)
	httpServer := httpx.NewServer(cfg.Listen, handler, log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	log.Info("shutting down")
	cancel()
	<-scheduler.Stop().Done()
	grpcServer.GracefulStop()

	if err := httpServer.Stop(10 * time.Second); err != nil {
		log.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	log.Info("shutdown complete")
}
