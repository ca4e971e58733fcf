package config

import (
	"fmt"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override, e.g. WSYNC_BACKEND_URL or
// WSYNC_SYNC_TICK_INTERVAL.
const EnvPrefix = "WSYNC_"

// applyEnv merges the variables that are set over cfg. Unset variables
// leave the file or default value in place.
func applyEnv(cfg *Config) error {
	var fromEnv Config
	if err := env.ParseWithOptions(&fromEnv, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("error getting env configs: %w", err)
	}
	if err := mergo.Merge(cfg, fromEnv, mergo.WithOverride); err != nil {
		return fmt.Errorf("error merging configs: %w", err)
	}
	return nil
}
