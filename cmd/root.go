package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dizel0110/ITMO-sub000/internal/config"
	"github.com/dizel0110/ITMO-sub000/internal/db"
	"github.com/dizel0110/ITMO-sub000/internal/logging"
)

var (
	configPath string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:           "featuremark",
	Short:         "Mark medical protocol features by clinical importance",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to featuremark.yaml (env FEATUREMARK_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database DSN or SQLite path, overrides DATABASE_DSN")
}

// loadConfig reads the configuration named by --config or FEATUREMARK_CONFIG.
func loadConfig() (*config.Config, *config.Loader, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("FEATUREMARK_CONFIG")
	}
	loader := config.NewLoader(path)
	c, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if dbPath != "" {
		c.DatabaseDSN = dbPath
	}
	return c, loader, nil
}

func newLogger(c *config.Config) (*slog.Logger, error) {
	return logging.FromStrings(c.LogLevel, c.LogFormat, os.Stderr)
}

// DiscoverDB resolves a relative SQLite path by walking up from the working
// directory. Postgres DSNs and absolute paths are returned unchanged.
func DiscoverDB(c *config.Config) string {
	if c.DBDriver != db.DriverSQLite || filepath.IsAbs(c.DatabaseDSN) {
		return c.DatabaseDSN
	}
	dir, err := os.Getwd()
	if err != nil {
		return c.DatabaseDSN
	}
	for {
		candidate := filepath.Join(dir, c.DatabaseDSN)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return c.DatabaseDSN
}

// OpenDatabase opens and migrates the configured database.
func OpenDatabase(ctx context.Context, c *config.Config) (*db.DB, error) {
	d, err := db.Open(c.DBDriver, DiscoverDB(c))
	if err != nil {
		return nil, err
	}
	if err := d.Migrate(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}
