package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/ganamos/backend/internal/config"
	"github.com/ganamos/backend/internal/database"
	"github.com/ganamos/backend/pkg/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "ganamos-cli",
	Short: "Operator tooling for the Ganamos backend",
	Long: `Runs schema migrations and offline ledger audits against the
database configured in .env or the environment.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.Init()
		config.ReadFile()
		logger.Init(viper.GetString("app.env"))
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB(ctx context.Context) (*sql.DB, error) {
	return database.Open(ctx, database.GetConfig())
}
