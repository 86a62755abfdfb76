package cli

import (
	"context"

	"digichat/internal/config"
	"digichat/internal/storage"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var seedDemo bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			logrus.Fatal(err)
		}
		if err := config.InitLogger(cfg); err != nil {
			logrus.Fatalf("Failed to initialize logger: %v", err)
		}

		db, err := storage.Open(cfg, logrus.StandardLogger())
		if err != nil {
			logrus.Fatalf("Failed to connect database: %v", err)
		}
		if err := storage.Migrate(db); err != nil {
			logrus.Fatalf("Failed to migrate database: %v", err)
		}
		logrus.Info("Database migration completed")

		if seedDemo {
			created, err := storage.SeedDemoAgent(context.Background(), db)
			if err != nil {
				logrus.Fatalf("Failed to seed demo agent: %v", err)
			}
			if created {
				logrus.Info("Demo agent created")
			} else {
				logrus.Info("Agents already present, seed skipped")
			}
		}
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&seedDemo, "seed", false, "insert a demo agent when the agents table is empty")
	rootCmd.AddCommand(migrateCmd)
}
