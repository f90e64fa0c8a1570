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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/botrix-io/botrix/internal/api"
	"github.com/botrix-io/botrix/internal/config"
	"github.com/botrix-io/botrix/internal/pool"
	"github.com/botrix-io/botrix/internal/queue"
	"github.com/botrix-io/botrix/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "botrix-server",
	Short: "Botrix HTTP control plane",
	Long: `Botrix API server.

Accepts account creation jobs, exposes job status, pool statistics and
worker health, and streams job updates over a websocket.`,
	Version: version.Full(),
	RunE:    runServer,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
}

func runServer(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags)

	credPool, err := pool.New(cfg.Pool.File, pool.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open credential pool: %w", err)
	}

	jobQueue, err := queue.New(cfg.Redis, queue.WithLogger(logger))
	if err != nil {
		return err
	}
	defer jobQueue.Close()

	server := api.NewServer(jobQueue, credPool, nil, api.WithServerLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Feed broker updates into the websocket hub.
	go func() {
		if err := jobQueue.RelayUpdates(ctx, server.Hub().Broadcast); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("update relay stopped: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.Server.ServerAddr(),
		Handler: server.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	logger.Printf("listening on %s", httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
