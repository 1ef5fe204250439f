// Command carepath loads clinical pathway modules and generates synthetic
// patient records from them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/carepath/internal/loader"
	"github.com/rendis/carepath/internal/logging"
	"github.com/rendis/carepath/internal/params"
	"github.com/rendis/carepath/internal/store"
)

// app carries configuration and lazily opened dependencies for a command.
type app struct {
	cfg    Config
	logger *slog.Logger
	runs   *store.LibSQLStore
}

func main() {
	a := &app{cfg: loadConfig()}

	root := &cobra.Command{
		Use:           "carepath",
		Short:         "Clinical pathway module engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.logger = logging.New(os.Stderr, a.cfg.LogLevel, a.cfg.LogFormat)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.cfg.ModulesDir, "modules", a.cfg.ModulesDir, "Directory of module definitions")
	flags.StringVar(&a.cfg.ParamsDir, "params", a.cfg.ParamsDir, "Directory of parameter domain files")
	flags.StringVar(&a.cfg.DBPath, "db", a.cfg.DBPath, "Run store database path (empty disables persistence)")
	flags.StringVar(&a.cfg.LogLevel, "log-level", a.cfg.LogLevel, "Log level: debug, info, warn, error")
	flags.StringVar(&a.cfg.LogFormat, "log-format", a.cfg.LogFormat, "Log format: text or json")

	root.AddCommand(runCmd(a))
	root.AddCommand(validateCmd(a))
	root.AddCommand(diagramCmd(a))
	root.AddCommand(cohortCmd(a))
	root.AddCommand(serveCmd(a))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run:   func(cmd *cobra.Command, args []string) { printVersion() },
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		a.close()
		os.Exit(1)
	}
}

func (a *app) loader() (*loader.Loader, error) {
	ps, err := params.NewFileStore(a.cfg.ParamsDir)
	if err != nil {
		return nil, err
	}
	return loader.NewDir(a.cfg.ModulesDir, ps, loader.WithLogger(a.logger))
}

// store opens and migrates the run store. It returns nil, nil when
// persistence is disabled.
func (a *app) store(ctx context.Context) (*store.LibSQLStore, error) {
	if a.runs != nil {
		return a.runs, nil
	}
	uri := a.cfg.dbURI()
	if uri == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dirOf(a.cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	s, err := store.NewLibSQLStore(uri)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate run store: %w", err)
	}
	a.runs = s
	return s, nil
}

func (a *app) close() {
	if a.runs != nil {
		_ = a.runs.Close()
		a.runs = nil
	}
}
