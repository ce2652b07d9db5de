// Package main marketpay settlement scheduler.
//
// Decides when a marketplace payout may execute and guarantees each external
// transfer is created at most once, across an async confirmation webhook and
// a periodic reconciliation sweep.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"marketpay/app/echoServer"
	ingestctrl "marketpay/app/echoServer/controller/ingest"
	reviewctrl "marketpay/app/echoServer/controller/review"
	sweepctrl "marketpay/app/echoServer/controller/sweep"
	"marketpay/app/echoServer/validation"
	"marketpay/config"
	striperepo "marketpay/repository/stripe"
	transferrepo "marketpay/repository/transfer"
	ingestsvc "marketpay/service/ingest"
	reconcilesvc "marketpay/service/reconcile"
	reviewsvc "marketpay/service/review"
	sweepsvc "marketpay/service/sweep"
	"marketpay/util/database"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// Fallbacks when a confirmation payload carries unusable durations.
const (
	defaultAgingPeriod     = 7 * 24 * time.Hour
	defaultComplaintWindow = 24 * time.Hour
)

func main() {

	cfg := config.Load()
	ctx := context.Background()

	// logger
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// repos
	tr := transferrepo.New(db.Pool)
	sr := striperepo.NewHTTP(cfg.StripeAPIKey)

	// services
	is := ingestsvc.New(tr, log, defaultAgingPeriod, defaultComplaintWindow)
	rc := reconcilesvc.New(sr, log)
	ss := sweepsvc.New(tr, rc, sweepsvc.Config{
		BatchSize:   cfg.SweepBatch,
		Workers:     cfg.SweepWorkers,
		MaxRetries:  cfg.MaxRetries,
		BackoffBase: cfg.RetryBackoff,
	}, log)
	rs := reviewsvc.New(tr)

	// controllers
	v := validator.New()
	ingestC := &ingestctrl.Controller{Svc: is, V: v, Log: log, WebhookToken: cfg.WebhookToken}
	sweepC := &sweepctrl.Controller{Svc: ss, Log: log}
	reviewC := &reviewctrl.Controller{Svc: rs, Log: log}

	// periodic sweep, plus one catch-up run shortly after boot
	go runSweeps(ctx, ss, cfg.SweepInterval, log)

	// echo
	e := echo.New()
	echoServer.RegisterMiddlewares(e)
	e.Validator = validation.New()

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]any{"status": "ok"})
	})

	echoServer.Register(e, echoServer.C{
		Ingest:    ingestC,
		Sweep:     sweepC,
		Review:    reviewC,
		JWTSecret: cfg.JWTSecret,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Port
	}

	log.Info("starting server", "port", port, "sweep_interval", cfg.SweepInterval.String())

	e.Logger.Fatal(e.Start(":" + port))
}

func runSweeps(ctx context.Context, s sweepsvc.Service, interval time.Duration, log *slog.Logger) {
	// a killed process leaves in-flight records due; catch up right away
	sweepOnce(ctx, s, log)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sweepOnce(ctx, s, log)
		}
	}
}

func sweepOnce(ctx context.Context, s sweepsvc.Service, log *slog.Logger) {
	if _, err := s.Run(ctx); err != nil {
		log.Error("sweep run failed", "err", err)
	}
}
