package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pomodoro-nostr/internal/contacts"
	"pomodoro-nostr/internal/services"
	"pomodoro-nostr/internal/types"
)

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Send and list friend signals",
}

var friendsAddCmd = &cobra.Command{
	Use:   "add <npub|hex>",
	Short: "Add a contact and tell them with a friend signal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, err := cur.contacts(ctx)
		if err != nil {
			return err
		}
		pk, err := m.Add(args[0])
		var verr *contacts.ValidationError
		switch {
		case errors.As(err, &verr) && verr.Message == contacts.MsgDuplicate:
			fmt.Fprintln(cur.out, verr.Message)
		case err != nil:
			return err
		default:
			fmt.Fprintf(cur.out, "added %s\n", pk)
		}

		fs := services.NewFriendService(cur.runner, cur.signer, cur.cfg.Relays.Friends, cur.log)
		out, err := fs.PublishFriendAdd(ctx, args[0])
		if err != nil {
			return err
		}
		out, err = cur.finish(ctx, out, fs.CompletePending)
		if err != nil {
			return err
		}
		cur.report(out)
		return nil
	},
}

var friendsInboundCmd = &cobra.Command{
	Use:   "inbound",
	Short: "List people who added you as a friend",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		s, err := cur.identity(ctx)
		if err != nil {
			return err
		}
		fs := services.NewFriendService(cur.runner, s, cur.cfg.Relays.Friends, cur.log)
		authors := fs.FetchInbound(ctx)
		if len(authors) == 0 {
			fmt.Fprintln(cur.out, "no friend signals found")
			return nil
		}
		m, err := cur.contacts(ctx)
		if err != nil {
			return err
		}
		profiles := lookupNames(ctx, authors)
		for _, pk := range authors {
			mark := " "
			if m.IsContact(pk) {
				mark = "*"
			}
			fmt.Fprintf(cur.out, "%s %s  %s\n", mark, pk, displayName(profiles, pk))
		}
		return nil
	},
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage local contacts",
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts",
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
		profiles := lookupNames(ctx, list)
		for _, pk := range list {
			fmt.Fprintf(cur.out, "%s  %s\n", pk, displayName(profiles, pk))
		}
		return nil
	},
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <npub|hex>",
	Short: "Add a contact without publishing a friend signal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := cur.contacts(cmd.Context())
		if err != nil {
			return err
		}
		pk, err := m.Add(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cur.out, "added %s\n", pk)
		return nil
	},
}

var contactsRemoveCmd = &cobra.Command{
	Use:   "remove <npub|hex>",
	Short: "Remove a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := cur.contacts(cmd.Context())
		if err != nil {
			return err
		}
		if err := m.Remove(args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cur.out, "removed")
		return nil
	},
}

// lookupNames fetches profiles for display; failures leave names empty
func lookupNames(ctx context.Context, pubkeys []string) map[string]types.UserMetadata {
	if len(pubkeys) == 0 {
		return nil
	}
	mc, err := cur.metadataCache()
	if err != nil {
		cur.log.Warn("metadata cache unavailable", "error", err)
		return nil
	}
	ms := services.NewMetadataService(cur.runner, nil, nil, mc, cur.cfg.Relays.Metadata, cur.log)
	return ms.FetchBatch(ctx, pubkeys)
}

func displayName(profiles map[string]types.UserMetadata, pk string) string {
	if m, ok := profiles[pk]; ok {
		return m.BestName()
	}
	return ""
}

func init() {
	friendsCmd.AddCommand(friendsAddCmd, friendsInboundCmd)
	contactsCmd.AddCommand(contactsListCmd, contactsAddCmd, contactsRemoveCmd)
	rootCmd.AddCommand(friendsCmd, contactsCmd)
}
