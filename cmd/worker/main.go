package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/botrix-io/botrix/internal/account"
	"github.com/botrix-io/botrix/internal/config"
	"github.com/botrix-io/botrix/internal/kasada"
	"github.com/botrix-io/botrix/internal/kick"
	"github.com/botrix-io/botrix/internal/mailbox"
	"github.com/botrix-io/botrix/internal/pool"
	"github.com/botrix-io/botrix/internal/queue"
	"github.com/botrix-io/botrix/internal/version"
	"github.com/botrix-io/botrix/internal/worker"
)

var (
	configPath     string
	workerID       string
	redisURL       string
	maxRetries     int
	healthInterval time.Duration
	testMode       bool
)

var rootCmd = &cobra.Command{
	Use:   "botrix-worker",
	Short: "Botrix account creation worker",
	Long: `Botrix worker daemon.

Consumes account creation jobs from the Redis queue, drives the
registration pipeline and reports status updates and heartbeats.`,
	Version: version.Full(),
	RunE:    runWorker,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")
	rootCmd.Flags().StringVar(&workerID, "worker-id", "", "worker identifier (default: generated)")
	rootCmd.Flags().StringVar(&redisURL, "redis-url", "", "redis address as host:port (overrides config)")
	rootCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "override max job retries")
	rootCmd.Flags().DurationVar(&healthInterval, "health-interval", 0, "override heartbeat interval")
	rootCmd.Flags().BoolVar(&testMode, "test-mode", false, "use mock challenge tokens instead of the solver API")
}

func runWorker(cmd *cobra.Command, args []string) error {
	// Optional; real deployments set environment variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if redisURL != "" {
		host, port, err := splitHostPort(redisURL)
		if err != nil {
			return err
		}
		cfg.Redis.Host = host
		cfg.Redis.Port = port
	}
	if maxRetries > 0 {
		cfg.Worker.MaxRetries = maxRetries
	}
	if healthInterval > 0 {
		cfg.Worker.HealthInterval = healthInterval
	}
	if testMode {
		cfg.Kasada.TestMode = true
	}
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}

	logger := log.New(os.Stdout, fmt.Sprintf("[%s] ", workerID), log.LstdFlags)

	credPool, err := pool.New(cfg.Pool.File, pool.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open credential pool: %w", err)
	}

	solver, err := kasada.NewSolver(cfg.Kasada.APIKey, cfg.Kasada.TestMode, kasada.WithLogger(logger))
	if err != nil {
		return err
	}
	kickClient := kick.NewClient(cfg.Kick.BaseURL, kick.WithLogger(logger))

	sqlStore, err := account.OpenSQLStore(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("open account store: %w", err)
	}
	defer sqlStore.Close()
	store := account.MultiStore(sqlStore, account.NewFileStore(cfg.Store.ExportFile))

	newMailbox := func(cred pool.Credential) account.CodeSource {
		return mailbox.NewVerifier(cred.Email, cred.Password, cfg.IMAP.Host, cfg.IMAP.Port,
			mailbox.WithDialTimeout(cfg.IMAP.DialTimeout),
			mailbox.WithLogger(logger))
	}

	creator, err := account.NewCreator(credPool, solver, kickClient, newMailbox, store,
		account.WithVerifyTimeout(cfg.Worker.VerifyTimeout, cfg.Worker.VerifyPollEvery),
		account.WithLogger(logger))
	if err != nil {
		return err
	}

	jobQueue, err := queue.New(cfg.Redis, queue.WithLogger(logger))
	if err != nil {
		return err
	}
	defer jobQueue.Close()

	daemon, err := worker.NewDaemon(workerID, jobQueue, creator, credPool, cfg.Worker,
		worker.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return daemon.Run(ctx)
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid redis address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid redis port %q: %w", portStr, err)
	}
	return host, port, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
