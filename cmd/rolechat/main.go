package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"rolechat/internal/infra/config"
)

// Set by -ldflags at release time.
var version = "dev"

var (
	cfgFile string
	envFile string
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "rolechat",
		Short: "Streaming chat client for roleplay characters",
		Long: `rolechat sends messages to a character chat service and streams the
reply back, retrying dropped streams and keeping partial replies.`,
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the rolechat version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rolechat %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml or $ROLECHAT_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newSendCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newConversationsCmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.AddCommand(newEncryptCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rolechat: %v\n", err)
		os.Exit(1)
	}
}

// configPath returns the config file path from --config, the ROLECHAT_CONFIG env var,
// or the default ./config.yaml.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if p := os.Getenv("ROLECHAT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// loadEnv loads the dotenv file without overriding variables already set. A missing
// file is fine.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the env file and the config, applying --verbose.
func loadConfig() (*config.Config, error) {
	if err := loadEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if verbose {
		cfg.Logger.Level = "debug"
	}
	return cfg, nil
}
