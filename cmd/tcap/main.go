package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/trustedcapture/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
	tokenFile string
	cacheTTL  time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tcap",
	Short: "Trusted capture CLI",
	Long: `tcap is the command-line interface for the trusted capture service.

It fingerprints and seals files, verifies content against the ledger, and
manages the evidence history of your account.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".tcap"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("tcap")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if tokenFile == "" {
			tokenFile = viper.GetString("token_file")
		}
		if tokenFile == "" {
			tokenFile = client.DefaultTokenPath()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.tcap/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "capture service URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&tokenFile, "token-file", "", "principal token file (default ~/.tcap/token)")
	rootCmd.PersistentFlags().DurationVar(&cacheTTL, "cache-ttl", 0, "cache ledger lookups for this long; 0 disables caching")

	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(evidenceCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds an SDK client from the persistent flags.
func newClient() (*client.Client, error) {
	opts := []client.Option{client.WithTokenFile(tokenFile)}
	if cacheTTL > 0 {
		opts = append(opts, client.WithCacheTTL(cacheTTL))
	}
	return client.New(serverURL, opts...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tcap CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tcap %s\n", version)
	},
}
