// Command acpctl drives ACP agents and inspects the mission ledger without
// the desktop UI.
package main

import (
	"log/slog"
	"os"

	"acpdesk/config"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "acpctl",
	Short: "Headless acpdesk engine",
	Long: `acpctl runs prompts against ACP agent CLIs through the same engine as
the desktop app: hooks, permissions and mission tracking included.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Extra config file layered over ~/.acpdesk and ./.acpdesk")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads .env and the layered config, then installs the logger
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not load .env", "error", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}
