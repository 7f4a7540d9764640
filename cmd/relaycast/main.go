package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaycast/relaycast/internal/broadcast"
	"github.com/relaycast/relaycast/internal/common/config"
	"github.com/relaycast/relaycast/internal/connstate"
	"github.com/relaycast/relaycast/internal/core"
	"github.com/relaycast/relaycast/internal/reconnect"
	"github.com/relaycast/relaycast/internal/session"
	"github.com/relaycast/relaycast/internal/sweeper"
	"github.com/relaycast/relaycast/pkg/helper"
	"github.com/relaycast/relaycast/pkg/logger"
	"github.com/relaycast/relaycast/pkg/metrics"
	"github.com/relaycast/relaycast/pkg/utils"
	"github.com/relaycast/relaycast/pkg/version"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of relaycast",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relaycast version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "relaycast",
		Short: "Session broadcast coordinator",
		Long:  `relaycast coordinates real-time session state and event delivery across streaming connections`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "configs/relaycast.yaml", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func run() {
	// Load configuration
	cfg, cfgPath, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("failed to load configuration from %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	// Initialize logger
	zapLogger, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	zapLogger.Info("starting relaycast",
		zap.String("version", version.Get()),
		zap.String("config", cfgPath))

	// Write PID file if configured
	if cfg.PID != "" {
		pidManager := utils.NewPIDManagerFromConfig(helper.GetPIDPath(cfg.PID))
		if err := pidManager.WritePID(); err != nil {
			zapLogger.Fatal("failed to write PID file",
				zap.String("path", pidManager.GetPIDFile()),
				zap.Error(err))
		}
		defer pidManager.RemovePID()
	}

	// Initialize session store
	store, err := session.NewStore(zapLogger, cfg.Session)
	if err != nil {
		zapLogger.Fatal("failed to initialize session store",
			zap.String("type", cfg.Session.Type),
			zap.Error(err))
	}

	m := metrics.New(cfg.Metrics)
	tracker := connstate.NewTracker(zapLogger)
	broadcaster := broadcast.New(zapLogger, store, m, cfg.Broadcast.QueueSize, broadcast.Policy(cfg.Broadcast.Policy))
	reconnector := reconnect.NewManager(zapLogger, broadcaster, tracker, cfg.Reconnect)

	// Start background sweeper
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	sw := sweeper.New(zapLogger, store, broadcaster, tracker, m,
		cfg.Sweep.Interval, cfg.Heartbeat.ConnectionTTL)
	go sw.Run(sweepCtx)

	// Initialize server
	srv, err := core.NewServer(zapLogger, cfg.Port, broadcaster, tracker, reconnector, m, cfg.Heartbeat)
	if err != nil {
		zapLogger.Fatal("failed to initialize server", zap.Error(err))
	}
	srv.RegisterRoutes()
	srv.Start()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Shutdown server
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("failed to shutdown server", zap.Error(err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
