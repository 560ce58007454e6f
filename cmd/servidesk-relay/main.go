package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/servidesk/servidesk/internal/config"
	"github.com/servidesk/servidesk/internal/logging"
	"github.com/servidesk/servidesk/internal/relay"
	"github.com/servidesk/servidesk/internal/workerpool"
)

var version = "1.4.0"

var (
	cfgFile string
	log     = logging.L("main")
)

var rootCmd = &cobra.Command{
	Use:   "servidesk-relay",
	Short: "ServiDesk relay server",
	Long:  `ServiDesk relay - brokers remote support sessions between agents and viewers without ever seeing session content.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the relay",
	Run: func(cmd *cobra.Command, args []string) {
		runRelay()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ServiDesk Relay v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/servidesk/relay.yaml)")
	rootCmd.AddCommand(runCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRelay() {
	cfg, err := config.LoadRelay(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)

	registry, err := relay.NewRegistry(cfg.DataDir, cfg.MaxDevices)
	if err != nil {
		log.Error("device registry unavailable", "error", err)
		os.Exit(1)
	}
	sessions, err := relay.NewSessionLog(cfg.DataDir)
	if err != nil {
		log.Error("session log unavailable", "error", err)
		os.Exit(1)
	}
	var tokens *relay.TokenStore
	if cfg.ProvisioningEnabled {
		tokens, err = relay.NewTokenStore(cfg.DataDir)
		if err != nil {
			log.Error("token store unavailable", "error", err)
			os.Exit(1)
		}
	}

	guard := relay.NewAuthGuard(cfg.AdminToken)
	pool := workerpool.New(4, 256)
	manager := relay.NewManager(cfg, registry, sessions, guard, tokens, pool)
	server := relay.NewServer(cfg, manager, guard, tokens, sessions)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	cleanupDone := make(chan struct{})
	go func() {
		manager.Run(ctx.Done())
		close(cleanupDone)
	}()

	if err := server.ListenAndServe(ctx); err != nil {
		log.Error("relay exited", "error", err)
	}
	<-cleanupDone
	pool.Shutdown(context.Background())
}
