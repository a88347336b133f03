package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	controlplane "github.com/mnhtng/vpsctl/internal/controlplane/api"
	"github.com/mnhtng/vpsctl/internal/controlplane/config"
	store "github.com/mnhtng/vpsctl/internal/controlplane/db"
	"github.com/mnhtng/vpsctl/internal/controlplane/db/migrate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err := runServe(cfg); err != nil {
		log.Fatal(err)
	}
}

func runMigrate(cfg config.Config) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dir := fs.String("dir", "db/migrations", "migrations directory")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	absDir := *dir
	if !filepath.IsAbs(absDir) {
		cwd, _ := os.Getwd()
		absDir = filepath.Join(cwd, absDir)
	}
	if err := migrate.Up(ctx, db, absDir); err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}

func runServe(cfg config.Config) error {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	store.ConfigureConnectionPool(db)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(startCtx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}

	repo := store.NewPostgresRepo(db)
	app, err := controlplane.NewApp(cfg, repo)
	if err != nil {
		return err
	}
	if err := app.StartScheduler(ctx); err != nil {
		return fmt.Errorf("starting expiration scheduler: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("control-plane listening on %s", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("shutdown signal received, starting graceful shutdown...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	log.Println("shutting down HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	app.Shutdown()

	log.Println("closing database connection...")
	if err := repo.Close(); err != nil {
		log.Printf("database close error: %v", err)
	}

	log.Println("graceful shutdown complete")
	return nil
}
