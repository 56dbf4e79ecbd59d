package main

import (
	"fmt"
	"os"

	"socialfeed/internal/config"
	"socialfeed/internal/log"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "socialfeedd",
	Short: "Social feed service",
	Long: `socialfeedd serves user feeds built from friends' posts, backed by a
primary database with read replicas, a Redis feed window cache and an
event bus that pushes new posts to connected websocket clients.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("socialfeedd version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("config", "", "path to config file (YAML or TOML)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadConfig reads the --config file and initialises the global logger from it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	return cfg, nil
}
