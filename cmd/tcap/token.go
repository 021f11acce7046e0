package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/trustedcapture/internal/identity"
	"github.com/jmerrifield20/trustedcapture/internal/sealing"
	"github.com/jmerrifield20/trustedcapture/pkg/client"
)

// ── token ────────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage principal tokens",
}

var (
	mintSubject string
	mintTTL     time.Duration
	mintSecret  string
	mintIssuer  string
	mintSave    bool
)

var tokenMintCmd = &cobra.Command{
	Use:   "mint --subject <principal>",
	Short: "Mint a principal token with the service's signing secret",
	Long: `mint signs a token for a principal using the same secret the service is
configured with (identity.token_secret). The secret is read from --secret,
TCAP_TOKEN_SECRET or token_secret in the config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := mintSecret
		if secret == "" {
			secret = viper.GetString("token_secret")
		}
		issuer, err := identity.NewTokenIssuer(secret, mintIssuer, mintTTL)
		if err != nil {
			return err
		}
		token, err := issuer.Issue(mintSubject)
		if err != nil {
			return err
		}

		if !mintSave {
			fmt.Println(token)
			return nil
		}
		if err := client.SaveToken(tokenFile, token); err != nil {
			return err
		}
		fmt.Printf("✓ Token for %s saved to %s (expires in %s)\n", mintSubject, tokenFile, mintTTL)
		return nil
	},
}

var tokenSaveCmd = &cobra.Command{
	Use:   "save <token>",
	Short: "Store a token issued elsewhere for later commands",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.SaveToken(tokenFile, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Token saved to %s\n", tokenFile)
		return nil
	},
}

func init() {
	tokenMintCmd.Flags().StringVar(&mintSubject, "subject", "", "principal the token authenticates")
	tokenMintCmd.Flags().DurationVar(&mintTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenMintCmd.Flags().StringVar(&mintSecret, "secret", "", "signing secret (default $TCAP_TOKEN_SECRET)")
	tokenMintCmd.Flags().StringVar(&mintIssuer, "issuer", "tcapd", "issuer claim; must match the service's identity.issuer")
	tokenMintCmd.Flags().BoolVar(&mintSave, "save", false, "write the token to --token-file instead of printing it")
	_ = tokenMintCmd.MarkFlagRequired("subject")

	tokenCmd.AddCommand(tokenMintCmd)
	tokenCmd.AddCommand(tokenSaveCmd)
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an age identity for sealing metadata and payloads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(keygenOut); err == nil {
			return fmt.Errorf("%s already exists; refusing to overwrite", keygenOut)
		}
		k, err := sealing.GenerateKeyring()
		if err != nil {
			return err
		}
		if err := k.Save(keygenOut); err != nil {
			return err
		}
		fmt.Printf("✓ Identity written to %s\n", keygenOut)
		fmt.Printf("  Recipient: %s\n", k.Recipient())
		fmt.Println("\nSet sealing.identity_file in tcapd.yaml to enable encryption.")
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "tcap-identity.txt", "identity file to create")
}
