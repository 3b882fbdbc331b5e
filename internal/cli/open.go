package cli

import (
	"fmt"

	"github.com/roach88/ledgerd/internal/authority"
	"github.com/roach88/ledgerd/internal/config"
	"github.com/roach88/ledgerd/internal/store"
	"github.com/roach88/ledgerd/internal/store/badgerdb"
	"github.com/roach88/ledgerd/internal/store/memory"
	"github.com/roach88/ledgerd/internal/store/postgres"
	"github.com/roach88/ledgerd/internal/store/sqlite"
)

// openBackend opens the storage backend named by the configuration.
// The caller owns the returned backend and must Close it.
func openBackend(cfg config.Config) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return sqlite.Open(cfg.Storage.Path)
	case "memory":
		return memory.New(), nil
	case "badger":
		return badgerdb.Open(cfg.Storage.Path)
	case "postgres":
		return postgres.Open(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// openLog opens the backend and wraps it in an authority log with the
// configured integrity settings.
func openLog(cfg config.Config) (*authority.Log, store.Backend, error) {
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "open storage", err)
	}
	return authority.New(backend, authority.WithChain(cfg.Chain)), backend, nil
}
