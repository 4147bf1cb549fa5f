package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facemesh/internal/store"
	"github.com/spf13/cobra"
	"github.com/zeromicro/go-zero/core/logx"
)

var (
	// DB is the recorder shared by subcommands. It is opened on first use.
	DB store.Recorder
	// dbURL is the connection string
	dbURL    string
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facemesh",
	Short:   "Face mesh & selfie segmentation graph runner",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(logLevel); err != nil {
			return err
		}
		dbURL = resolveDBURL(dbURL)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to close the connection cleanly.
			DB.Close(context.Background())
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Database URL: postgres://... or sqlite://path (default: sqlite://facemesh.db)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "error", "Library log level: debug, info, error, severe")
}

// resolveDBURL applies the flag, then FACEMESH_DB, then the POSTGRES_* variables,
// then the local SQLite default.
func resolveDBURL(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("FACEMESH_DB"); env != "" {
		return env
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return "sqlite://facemesh.db"
}

// openDB connects the shared recorder if it is not connected yet.
func openDB(ctx context.Context) (store.Recorder, error) {
	if DB != nil {
		return DB, nil
	}
	rec, err := store.Open(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	DB = rec
	return DB, nil
}

// setupLogging routes library logs to stderr so stdout stays clean for results.
func setupLogging(level string) error {
	logx.SetWriter(logx.NewWriter(os.Stderr))
	switch level {
	case "debug":
		logx.SetLevel(logx.DebugLevel)
	case "info":
		logx.SetLevel(logx.InfoLevel)
	case "error":
		logx.SetLevel(logx.ErrorLevel)
	case "severe":
		logx.SetLevel(logx.SevereLevel)
	default:
		return fmt.Errorf("invalid --log-level %q", level)
	}
	return nil
}
