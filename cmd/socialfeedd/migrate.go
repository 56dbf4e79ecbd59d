package main

import (
	"socialfeed/internal/log"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the schema on the write node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		node, err := openNode(cmd.Context(), cfg.Database, "primary", cfg.Database.WriteURL)
		if err != nil {
			return err
		}
		defer node.Close()

		if err := node.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.WithComponent("migrate").Info().Str("driver", cfg.Database.Driver).Msg("schema is up to date")
		return nil
	},
}
