package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-fleet/v1/fleet"
	"github.com/mirkobrombin/go-fleet/v1/metrics"
)

var demoPassword = flag.String("demo-password", "fleet", "Password accepted by /api/auth/token")

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func main() {
	flag.Parse()

	settings, err := fleet.LoadSettings()
	if err != nil {
		log.Fatalf("settings: %v", err)
	}
	logger := newLogger(settings.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if settings.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatalf("trace exporter: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterMetrics(reg)

	client, err := fleet.Open(ctx, settings, fleet.WithLogger(logger))
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("fleet: close", "error", err)
		}
	}()

	go func() {
		if err := client.Run(ctx); err != nil {
			logger.Error("fleet: sync loop stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              settings.HTTPAddr,
		Handler:           newServer(client, reg, *demoPassword).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("fleet-node listening", "addr", settings.HTTPAddr, "replica", settings.ReplicaID)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("fleet-node: serve", "error", err)
	}
}
