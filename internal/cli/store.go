package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/roach88/fabric/internal/config"
	"github.com/roach88/fabric/internal/store"
)

// StoreOptions holds the flags shared by commands that open the database.
type StoreOptions struct {
	*RootOptions
	Database string
}

func (o *StoreOptions) addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&o.Database, "db", "", "path to SQLite database (default from config)")
}

// open loads the config and opens its database. --db wins over the file.
func (o *StoreOptions) open(cmd *cobra.Command) (*config.Config, *store.Store, error) {
	overrides := map[string]any{}
	if o.Database != "" {
		overrides["database"] = o.Database
	}
	cfg, err := loadConfig(o.RootOptions, overrides)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return cfg, st, nil
}

// storeError reports err through f and maps it to an exit code.
func storeError(f *OutputFormatter, message string, err error) error {
	code := ErrCodeStorage
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, store.ErrAccessDenied):
		code = ErrCodeDenied
	}
	_ = f.Error(code, message, err.Error())
	if code == ErrCodeStorage {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}
