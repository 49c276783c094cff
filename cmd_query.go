package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/services"
	"pomodoro-nostr/internal/types"
)

var rankingsCmd = &cobra.Command{
	Use:   "rankings",
	Short: "Show daily, weekly and monthly session rankings for you and your contacts",
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
		pubkeys := append([]string{cur.signer.PublicKey()}, list...)

		rs := services.NewRankingService(cur.runner, cur.cfg.Relays.Rankings, cur.log)
		r := rs.FetchRankings(ctx, pubkeys)
		profiles := lookupNames(ctx, pubkeys)

		for _, bucket := range []struct {
			title   string
			entries []types.RankingEntry
		}{
			{"Today", r.Daily},
			{"This week", r.Weekly},
			{"This month", r.Monthly},
		} {
			fmt.Fprintf(cur.out, "%s\n", bucket.title)
			if len(bucket.entries) == 0 {
				fmt.Fprintln(cur.out, "  no sessions")
			}
			for i, e := range bucket.entries {
				name := displayName(profiles, e.PubKey)
				if name == "" {
					name = nostr.ShortID(e.PubKey)
				}
				fmt.Fprintf(cur.out, "  %2d. %-24s %4d  %s\n", i+1, name, e.SessionCount, services.LevelFromTag(e.Level))
			}
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search Nostr profiles by name",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		mc, err := cur.metadataCache()
		if err != nil {
			return err
		}
		exclude := map[string]bool{}
		if m, err := cur.contacts(ctx); err == nil {
			if set, err := m.Set(); err == nil {
				exclude = set
			}
			exclude[cur.signer.PublicKey()] = true
		}

		ss := services.NewSearchService(cur.runner, cur.cfg.Relays.Search, mc, cur.log)
		results := ss.Search(ctx, strings.Join(args, " "), exclude)
		if len(results) == 0 {
			fmt.Fprintln(cur.out, "no results")
			return nil
		}
		for _, u := range results {
			fmt.Fprintf(cur.out, "%s  %s", u.PubKey, u.BestName())
			if u.Nip05 != "" {
				fmt.Fprintf(cur.out, "  <%s>", u.Nip05)
			}
			fmt.Fprintln(cur.out)
		}
		return nil
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Read or update Nostr profiles",
}

var profileGetCmd = &cobra.Command{
	Use:   "get [npub|hex]",
	Short: "Show a profile, your own by default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		var pk string
		if len(args) == 1 {
			parsed, err := nostr.ParsePublicKey(args[0])
			if err != nil {
				return err
			}
			pk = parsed
		} else {
			s, err := cur.identity(ctx)
			if err != nil {
				return err
			}
			pk = s.PublicKey()
		}
		ms, err := metadataService(cmd)
		if err != nil {
			return err
		}
		m, ok := ms.FetchProfile(ctx, pk)
		if !ok {
			return fmt.Errorf("no profile found for %s", nostr.ShortID(pk))
		}
		printProfile(m)
		return nil
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Publish your profile; unset flags keep their current values",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		s, err := cur.identity(ctx)
		if err != nil {
			return err
		}
		ms, err := metadataService(cmd)
		if err != nil {
			return err
		}
		m, _ := ms.FetchProfile(ctx, s.PublicKey())
		fields := map[string]*string{
			"name":         &m.Name,
			"display-name": &m.DisplayName,
			"about":        &m.About,
			"picture":      &m.Picture,
			"banner":       &m.Banner,
			"nip05":        &m.Nip05,
			"lud16":        &m.Lud16,
			"website":      &m.Website,
		}
		changed := false
		for name, field := range fields {
			if cmd.Flags().Changed(name) {
				*field, _ = cmd.Flags().GetString(name)
				changed = true
			}
		}
		if !changed {
			return fmt.Errorf("nothing to change; pass at least one field flag")
		}

		out, err := ms.PublishProfile(ctx, m)
		if err != nil {
			return err
		}
		out, err = cur.finish(ctx, out, ms.CompletePending)
		if err != nil {
			return err
		}
		cur.report(out)
		return nil
	},
}

func metadataService(cmd *cobra.Command) (*services.MetadataService, error) {
	ctx := cmd.Context()
	mc, err := cur.metadataCache()
	if err != nil {
		return nil, err
	}
	pool, err := cur.client(ctx)
	if err != nil {
		return nil, err
	}
	return services.NewMetadataService(cur.runner, pool, cur.signer, mc, cur.cfg.Relays.Metadata, cur.log), nil
}

func printProfile(m types.UserMetadata) {
	npub, _ := nostr.EncodeNpub(m.PubKey)
	for _, row := range [][2]string{
		{"npub", npub},
		{"name", m.Name},
		{"display_name", m.DisplayName},
		{"about", m.About},
		{"picture", m.Picture},
		{"banner", m.Banner},
		{"nip05", m.Nip05},
		{"lud16", m.Lud16},
		{"website", m.Website},
	} {
		if row[1] != "" {
			fmt.Fprintf(cur.out, "%-13s %s\n", row[0]+":", row[1])
		}
	}
}

func init() {
	f := profileSetCmd.Flags()
	f.String("name", "", "name")
	f.String("display-name", "", "display name")
	f.String("about", "", "about text")
	f.String("picture", "", "picture URL")
	f.String("banner", "", "banner URL")
	f.String("nip05", "", "NIP-05 identifier")
	f.String("lud16", "", "lightning address")
	f.String("website", "", "website URL")

	profileCmd.AddCommand(profileGetCmd, profileSetCmd)
	rootCmd.AddCommand(rankingsCmd, searchCmd, profileCmd)
}
