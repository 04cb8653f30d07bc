package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	pldb "packline/pkg/db"
	gos3 "packline/pkg/s3"
	"packline/pkg/telemetry"
	"packline/services/relayd"
)

func main() {
	if err := run("relayd"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := relayd.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	pool, err := pldb.Open(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := pldb.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	orm, err := pldb.OpenGorm(ctx, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}
	defer pldb.CloseGorm(orm)

	s3Client, err := gos3.NewClientFromEnv()
	if err != nil {
		return fmt.Errorf("init s3 client: %w", err)
	}

	srv, err := relayd.NewServer(pool, orm, cfg, logger)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	sweeper := relayd.NewSweeper(pool, s3Client, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: middleware(srv.Routes()),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Info().Str("addr", server.Addr).Msg("listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server failed")
		return err
	}

	return nil
}
