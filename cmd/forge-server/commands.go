package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattrax/forge/pkg/forge/config"
	"github.com/mattrax/forge/pkg/forge/database"
	"github.com/mattrax/forge/pkg/forge/logging"
	"github.com/mattrax/forge/pkg/forge/models"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrateTimeout = 5 * time.Minute

func newRootCommand() *cobra.Command {
	v := config.New()
	var envFile string

	root := &cobra.Command{
		Use:           "forge-server",
		Short:         "Mattrax Forge administration server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file of FORGE_* variables to load before reading the environment")
	root.PersistentFlags().String("database-driver", "", "database driver: sqlite, mysql or postgres")
	root.PersistentFlags().String("database-dsn", "", "database connection string")
	root.PersistentFlags().String("log-level", "", "log level")
	root.PersistentFlags().String("log-format", "", "log format: console or json")
	bindFlag(v, root, "database.driver", "database-driver")
	bindFlag(v, root, "database.dsn", "database-dsn")
	bindFlag(v, root, "log.level", "log-level")
	bindFlag(v, root, "log.format", "log-format")

	root.AddCommand(newServeCommand(v), newMigrateCommand(v), newVersionCommand())
	return root
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	f := cmd.PersistentFlags().Lookup(flag)
	if f == nil {
		f = cmd.Flags().Lookup(flag)
	}
	// Only a missing flag makes BindPFlag fail.
	_ = v.BindPFlag(key, f)
}

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, background jobs and deploy consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := openDatabase(cfg.Database, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, db, logger)
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(ctx)
		},
	}
	cmd.Flags().String("http-addr", "", "address to listen on")
	cmd.Flags().String("base-url", "", "public URL of the server")
	cmd.Flags().Bool("no-scheduler", false, "disable background jobs")
	bindFlag(v, cmd, "http.addr", "http-addr")
	bindFlag(v, cmd, "base_url", "base-url")
	cmd.PreRun = func(cmd *cobra.Command, _ []string) {
		if disabled, _ := cmd.Flags().GetBool("no-scheduler"); disabled {
			v.Set("scheduler.enabled", false)
		}
	}
	return cmd
}

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(os.Stderr, v.GetString("log.format"), v.GetString("log.level"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			_, err = openDatabase(config.DatabaseConfig{
				Driver: v.GetString("database.driver"),
				DSN:    v.GetString("database.dsn"),
			}, logger)
			return err
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// openDatabase connects and brings the schema up to date.
func openDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	db, err := database.Open(cfg.Driver, cfg.DSN, logger.Named("db"))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if err := models.AutoMigrate(db.WithContext(ctx)); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("database migrations completed", zap.String("driver", cfg.Driver))
	return db, nil
}
