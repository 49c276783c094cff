package main

import (
	"fmt"
	"io"
	"os"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"pomodoro-nostr/internal/nostr"
	"pomodoro-nostr/internal/signer"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Create or inspect the signing identity",
}

var identityNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Generate a new key pair",
	Long: `Generate a new key pair and print it. Store the nsec as identity.nsec in
the config file or as POMODORO_IDENTITY_NSEC to use it.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		l, err := signer.Generate()
		if err != nil {
			return err
		}
		npub, err := nostr.EncodeNpub(l.PublicKey())
		if err != nil {
			return err
		}
		nsec, err := nostr.EncodeNsec(l.SecretKey())
		if err != nil {
			return err
		}
		fmt.Fprintf(cur.out, "pubkey: %s\nnpub:   %s\nnsec:   %s\n", l.PublicKey(), npub, nsec)
		return writeQR(cmd, cur.out, npub)
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configured public key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := cur.identity(cmd.Context())
		if err != nil {
			return err
		}
		npub, err := nostr.EncodeNpub(s.PublicKey())
		if err != nil {
			return err
		}
		kind := "local"
		switch s.(type) {
		case *signer.External:
			kind = "external"
		case *signer.Bunker:
			kind = "bunker"
		}
		fmt.Fprintf(cur.out, "pubkey: %s\nnpub:   %s\nsigner: %s\n", s.PublicKey(), npub, kind)
		return writeQR(cmd, cur.out, npub)
	},
}

// writeQR renders content as a QR code when --qr is set. "-" prints it to
// the terminal, anything else is a PNG path.
func writeQR(cmd *cobra.Command, w io.Writer, content string) error {
	path, _ := cmd.Flags().GetString("qr")
	switch path {
	case "":
		return nil
	case "-":
		qr, err := qrcode.New(content, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("generate QR code: %w", err)
		}
		fmt.Fprint(w, qr.ToSmallString(false))
		return nil
	}
	png, err := qrcode.Encode(content, qrcode.Medium, 256)
	if err != nil {
		return fmt.Errorf("generate QR code: %w", err)
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "QR code written to %s\n", path)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{identityNewCmd, identityShowCmd} {
		c.Flags().String("qr", "", `write the npub as a QR code PNG to this path ("-" for terminal)`)
	}
	identityCmd.AddCommand(identityNewCmd, identityShowCmd)
	rootCmd.AddCommand(identityCmd)
}
