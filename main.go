package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pomodoro-nostr/internal/config"
)

// cur is the app for the running command, set by the root pre-run hook
var cur *app

var rootCmd = &cobra.Command{
	Use:   "pomodoro-nostr",
	Short: "Publish and follow Pomodoro sessions over Nostr",
	Long: `pomodoro-nostr publishes completed Pomodoro sessions and friend signals to
Nostr relays, builds daily, weekly and monthly rankings for your contacts,
and searches and edits Nostr profiles.

Configuration is read from ~/.pomodoro-nostr.yaml, a .env file, POMODORO_
environment variables and flags, later sources winning.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		file, _ := cmd.Flags().GetString("config")
		envFile, _ := cmd.Flags().GetString("env-file")
		cfg, err := config.Load(config.Options{File: file, EnvFile: envFile, Flags: cmd.Flags()})
		if err != nil {
			return err
		}
		logger := InitLogger(os.Stderr, cfg.Log.Level)
		cur = newApp(cfg, logger, cmd.OutOrStdout(), cmd.InOrStdin())
		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("config", "", "config file (default ~/.pomodoro-nostr.yaml)")
	f.String("env-file", "", "dotenv file (default .env)")
	f.String("log-level", "info", "log level: debug, info, warn or error")
	f.StringSlice("relays", nil, "default relays for the connection pool")
	f.String("nsec", "", "sign locally with this key (nsec or hex)")
	f.String("pubkey", "", "sign with an external signer for this pubkey (npub or hex)")
	f.String("bunker", "", "sign through a NIP-46 remote signer (bunker:// URL)")
	f.String("store", "", "sqlite database path")
	f.String("cache-backend", "", "metadata cache backend: memory or redis")
	f.String("redis-url", "", "redis URL for the redis cache backend")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if cur != nil {
		cur.close()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
