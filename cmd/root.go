package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facetrace/internal/config"
	"github.com/andresmejia3/facetrace/internal/logger"
	"github.com/andresmejia3/facetrace/internal/store"
)

var (
	// Cfg is the loaded configuration shared by subcommands
	Cfg *config.Config
	// Log is the leveled logger shared by subcommands
	Log *logger.Logger
	// DB is the run history store. Nil when no database is configured.
	DB *store.Store
	// dbURL overrides DATABASE_URL / POSTGRES_*
	dbURL string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facetrace",
	Short:   "Find a person in a video from a single reference photo",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		Cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if dbURL != "" {
			Cfg.Database.URL = dbURL
		}

		Log, err = logger.New(os.Stderr, logger.Options{Dir: Cfg.Log.Dir, Debug: Cfg.Log.Debug})
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		if Log != nil {
			Log.Close()
		}
	},
}

// openDB connects to the history database. With required=false a missing
// configuration is not an error and DB stays nil.
func openDB(ctx context.Context, required bool) error {
	if DB != nil {
		return nil
	}
	if Cfg.Database.URL == "" {
		if required {
			return fmt.Errorf("no database configured: set DATABASE_URL, POSTGRES_HOST or --db")
		}
		Log.Debug("No database configured, run history disabled")
		return nil
	}
	var err error
	// Use the command's context (which will be cancellable) for the connection
	DB, err = store.New(ctx, Cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for run history (default: DATABASE_URL or POSTGRES_*)")
}
