package session

import "github.com/matheus3301/wsync/internal/config"

// Resolve determines the account to select at startup using precedence:
// 1. flagOverride (--account flag, id or name)
// 2. config.toml default_account
// 3. the account selected when the daemon last ran
// An empty result means the daemon starts unauthenticated.
func Resolve(flagOverride string, cfg *config.Config, reg *Registry) string {
	candidates := []string{flagOverride}
	if cfg != nil {
		candidates = append(candidates, cfg.DefaultAccount)
	}
	candidates = append(candidates, reg.Selected())
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if a, ok := reg.Get(c); ok {
			return a.ID
		}
		if a, ok := reg.FindByName(c); ok {
			return a.ID
		}
	}
	return ""
}
