package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/goentitle/pkg/config"
	"github.com/mihaimyh/goentitle/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|status|version|redo|reset] [args...]",
	Short: "Apply the PostgreSQL schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		command := "up"
		if len(args) > 0 {
			command, args = args[0], args[1:]
		}

		cfg, err := config.Load(envFiles...)
		if err != nil {
			return err
		}
		if cfg.Storage.Driver != config.DriverPostgres {
			return fmt.Errorf("migrate needs the postgres storage driver, got %q", cfg.Storage.Driver)
		}

		ctx := cmd.Context()
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.Storage.PostgresDSN
		s, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return err
		}
		defer s.Close()

		log := newLogger(cfg.App, cmd.ErrOrStderr())
		log.Info().Str("cmd", command).Msg("running migrations")
		if err := postgres.Migrate(ctx, s.DB(), command, args...); err != nil {
			return err
		}
		log.Info().Str("cmd", command).Msg("migrations complete")
		return nil
	},
}
