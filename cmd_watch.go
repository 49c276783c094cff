package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"pomodoro-nostr/internal/bridge"
	"pomodoro-nostr/internal/metrics"
	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/services"
	"pomodoro-nostr/internal/types"
)

const (
	reconnectInterval = 30 * time.Second
	feedSize          = 200
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow sessions from you and your contacts as they happen",
	Long: `Keep the relay pool open, print every completed session from you and your
contacts, reconnect dropped relays periodically, and optionally serve metrics
and forward sessions to an MQTT broker.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		m, err := cur.contacts(ctx)
		if err != nil {
			return err
		}
		list, err := m.List()
		if err != nil {
			return err
		}
		authors := append([]string{cur.signer.PublicKey()}, list...)

		pool, err := cur.client(ctx)
		if err != nil {
			return err
		}

		if addr := cur.cfg.Metrics.Addr; addr != "" {
			srv := &http.Server{Addr: addr, Handler: metricsMux(pool), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					cur.log.Error("metrics server failed", "addr", addr, "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			cur.log.Info("serving metrics", "addr", addr)
		}

		feed := services.NewSessionFeed(pool, feedSize, cur.log)
		updates, unsubscribe := feed.Updates()
		defer unsubscribe()

		if broker := cur.cfg.MQTT.Broker; broker != "" {
			b, err := bridge.Dial(bridge.Config{
				Broker:   broker,
				Topic:    cur.cfg.MQTT.Topic,
				ClientID: cur.cfg.MQTT.ClientID,
			}, cur.log)
			if err != nil {
				return err
			}
			defer b.Close()
			forward, stop := feed.Updates()
			defer stop()
			go b.Forward(ctx, forward)
		}

		feed.Start(ctx, authors)
		defer feed.Stop()

		profiles := lookupNames(ctx, authors)
		ticker := time.NewTicker(reconnectInterval)
		defer ticker.Stop()

		fmt.Fprintf(cur.out, "watching %d authors on %d relays\n", len(authors), len(pool.ConnectedRelays()))
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				pool.Reconnect(cur.cfg.Relays.Default)
			case evt, ok := <-updates:
				if !ok {
					return nil
				}
				printSession(evt, profiles)
			}
		}
	},
}

func metricsMux(src metrics.StatusSource) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(src))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func printSession(evt types.Event, profiles map[string]types.UserMetadata) {
	name := displayName(profiles, evt.PubKey)
	if name == "" {
		name = nostr.ShortID(evt.PubKey)
	}
	at := time.Unix(evt.CreatedAt, 0).Format("2006-01-02 15:04")
	fmt.Fprintf(cur.out, "%s  %-24s %3s min  %s\n", at, name, evt.TagValue("duration"), services.LevelFromTag(evt.TagValue("level")))
}

func init() {
	f := watchCmd.Flags()
	f.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	f.String("mqtt-broker", "", "forward sessions to this MQTT broker, e.g. tcp://localhost:1883")
	f.String("mqtt-topic", "", "base MQTT topic (default pomodoro/sessions)")
	rootCmd.AddCommand(watchCmd)
}
