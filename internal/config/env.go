package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// dotEnv applies a .env file to the process environment. Variables set by
// the real environment always win; variables that came from the file are
// updated when the file changes, so rotated secrets apply on reload.
type dotEnv struct {
	path string

	mu    sync.Mutex
	owned map[string]bool
}

func newDotEnv(path string) *dotEnv {
	return &dotEnv{path: path, owned: map[string]bool{}}
}

// load applies the file. A missing file is not an error.
func (d *dotEnv) load() error {
	vals, err := godotenv.Read(d.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", d.path, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range vals {
		if _, set := os.LookupEnv(k); set && !d.owned[k] {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("set %s from %s: %w", k, d.path, err)
		}
		d.owned[k] = true
	}
	return nil
}

// applyEnv overlays fields tagged with env onto cfg. Unset variables keep
// the file value.
func applyEnv(cfg *Config) error {
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	return nil
}

// EnvHelp describes the environment variables understood by the config.
func EnvHelp() (string, error) {
	return cleanenv.GetDescription(&Config{}, nil)
}
