// Package cli implements the relay command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/jdziat/job-relay/internal/config"
	"github.com/jdziat/job-relay/pkg/storage"
)

const version = "0.1.0"

var (
	cfgPath   string
	envFile   string
	namespace string
	verbose   bool
	jsonOut   bool

	cfg *config.Config
	out io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:               "relay",
	Short:             "Relay jobs through a chat page and write the results into a sandbox",
	Version:           version,
	PersistentPreRunE: setup,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before RELAY_* overrides")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "store namespace (defaults to the configured one)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output JSON")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		return err
	}
	return nil
}

func setup(cmd *cobra.Command, _ []string) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	loaded, err := config.Load(path, envFile)
	if err != nil {
		return err
	}
	if namespace != "" {
		loaded.Namespace = namespace
	}
	if verbose {
		loaded.LogLevel = "debug"
	}
	cfg = loaded
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg))
	out = cmd.OutOrStdout()
	pterm.SetDefaultOutput(out)
	return nil
}

// resolveConfigPath picks --config, then ./relay.toml, then the global file.
// The global file may not exist; Load falls back to defaults.
func resolveConfigPath() (string, error) {
	if cfgPath != "" {
		return cfgPath, nil
	}
	if _, err := os.Stat("relay.toml"); err == nil {
		return "relay.toml", nil
	}
	return config.DefaultPath()
}

func newLogger(w io.Writer, c *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context) (*storage.GormStore, error) {
	dsn := cfg.DatabaseURL
	if !storage.IsPostgresDSN(dsn) && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	store, err := storage.Open(dsn)
	if err != nil {
		return nil, err
	}
	store.SetLogger(slog.Default())
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printTable(rows pterm.TableData) {
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

// readInput returns args[i] when given and not "-", stdin otherwise.
func readInput(cmd *cobra.Command, args []string, i int) (string, error) {
	if len(args) > i && args[i] != "-" {
		return args[i], nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

// readFileArg reads the file named by args[0], or stdin when absent or "-".
func readFileArg(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		return readInput(cmd, nil, 0)
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args[0], err)
	}
	return string(b), nil
}
