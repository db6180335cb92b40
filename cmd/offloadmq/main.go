package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/offloadmq/offloadmq/pkg/api"
	"github.com/offloadmq/offloadmq/pkg/broker"
	"github.com/offloadmq/offloadmq/pkg/config"
	"github.com/offloadmq/offloadmq/pkg/log"
	"github.com/offloadmq/offloadmq/pkg/storage"
	"github.com/offloadmq/offloadmq/pkg/urgent"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "offloadmq",
	Short: "offloadmq - capability-routed task broker",
	Long: `offloadmq brokers tasks between clients and capability-advertising
agents. Urgent tasks are held in memory and block the submitter until an
agent resolves them; regular tasks are queued durably and polled.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"offloadmq version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Bool("json-log", false, "emit JSON logs instead of console output")
	serveCmd.Flags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	serveCmd.Flags().Bool("shuffle-queue", false, "offer a random eligible regular task instead of the oldest")
	serveCmd.Flags().Bool("allow-same-top-tier", false, "suppress tasks on tier ties with the top online tier")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonLog, _ := cmd.Flags().GetBool("json-log")
		level, _ := cmd.Flags().GetString("log-level")
		shuffle, _ := cmd.Flags().GetBool("shuffle-queue")
		sameTier, _ := cmd.Flags().GetBool("allow-same-top-tier")

		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonLog})
		config.InitPrefs(config.Preferences{
			ShuffleQueue:                shuffle,
			AllowAssigningToSameTopTier: sameTier,
		})

		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}

		agents, err := storage.OpenAgentStore(cfg.DatabaseRootPath, storage.DefaultCacheTTL)
		if err != nil {
			return fmt.Errorf("opening agent store: %w", err)
		}
		defer agents.Close()

		tasks, err := storage.OpenTaskStore(cfg.DatabaseRootPath)
		if err != nil {
			return fmt.Errorf("opening task store: %w", err)
		}
		defer tasks.Close()

		keys, err := storage.OpenAPIKeyStore(cfg.DatabaseRootPath)
		if err != nil {
			return fmt.Errorf("opening key store: %w", err)
		}
		defer keys.Close()

		if err := keys.InitializeFromList(cfg.ClientAPIKeys); err != nil {
			return fmt.Errorf("seeding client keys: %w", err)
		}

		urgentStore := urgent.NewStore()
		defer urgentStore.Stop()

		b := broker.New(cfg, agents, tasks, keys, urgentStore)
		server := api.NewServer(cfg, b)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(ctx)
	},
}
