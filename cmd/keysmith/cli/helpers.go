package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/faucetdb/keysmith/internal/config"
	"github.com/faucetdb/keysmith/internal/service"
	"github.com/faucetdb/keysmith/internal/store"
)

// resolveDataDir returns store.data_dir (from --data-dir, the config file or
// KEYSMITH_STORE_DATA_DIR), or ~/.keysmith as fallback.
func resolveDataDir(cfg *config.Config) string {
	if cfg.Store.DataDir != "" {
		return cfg.Store.DataDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keysmith")
}

// openStore opens the configured key store. With sqlite and no DSN the
// database lives under the data directory.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, store.Config{
		Driver:  cfg.Store.Driver,
		DSN:     cfg.Store.DSN,
		DataDir: resolveDataDir(cfg),
		Pool:    cfg.Store.Pool(),
	})
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	return st, nil
}

func newAuthService(cfg *config.Config) *service.AuthService {
	return service.NewAuthService(cfg.Auth.JWTSecret)
}

// isTerminal reports whether w is an interactive terminal. Commands print
// tables for people and JSON for pipes.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
