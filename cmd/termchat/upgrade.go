package main

import (
	"fmt"

	"TermChat/internal/store"
	"TermChat/internal/telemetry"

	"github.com/spf13/cobra"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Create or migrate the session store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, logFile, err := telemetry.InitLogger(cfg.LogDir(), cfg.Debug)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logFile.Close()

		st, err := store.Open(cmd.Context(), cfg.Store, cfg.DataDir, logger)
		if err != nil {
			return err
		}
		if err := st.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session store is up to date: %s\n", st.Path())
		return nil
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Print the path of the session store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, err := store.Path(cfg.Store, cfg.DataDir)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(upgradeCmd)
	rootCmd.AddCommand(dbCmd)
}
