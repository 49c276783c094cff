package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pomodoro-nostr/internal/services"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Publish completed Pomodoro sessions",
}

var sessionPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Record and publish a completed session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		duration, _ := cmd.Flags().GetInt("duration")

		s, err := cur.identity(ctx)
		if err != nil {
			return err
		}
		history, err := cur.openStore()
		if err != nil {
			return err
		}
		pool, err := cur.client(ctx)
		if err != nil {
			return err
		}

		p := services.NewSessionPublisher(pool, s, history, cur.log)
		out, err := p.Publish(ctx, duration)
		if err != nil {
			return err
		}
		out, err = cur.finish(ctx, out, p.CompletePending)
		if err != nil {
			return err
		}
		cur.report(out)
		if out.Event != nil {
			fmt.Fprintf(cur.out, "level: %s\n", services.LevelFromTag(out.Event.TagValue("level")))
		}
		return nil
	},
}

var sessionLevelCmd = &cobra.Command{
	Use:   "level",
	Short: "Show the level earned from the last seven days",
	RunE: func(*cobra.Command, []string) error {
		history, err := cur.openStore()
		if err != nil {
			return err
		}
		level, err := services.CurrentLevel(history, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cur.out, level)
		return nil
	},
}

func init() {
	sessionPublishCmd.Flags().Int("duration", 25, "session length in minutes")
	sessionCmd.AddCommand(sessionPublishCmd, sessionLevelCmd)
	rootCmd.AddCommand(sessionCmd)
}
