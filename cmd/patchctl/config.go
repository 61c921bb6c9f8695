package main

import (
	"os"
	"strings"

	"github.com/danmuck/patchctl/internal/config"
)

const defaultConfigPath = "patchctl.toml"

// loadConfig reads path, or patchctl.toml in the working directory when it
// exists. Flags win over file and environment; positional args are extra
// script paths.
func loadConfig(path, profile string, scripts []string) (config.Config, error) {
	if path == "" {
		if st, err := os.Stat(defaultConfigPath); err == nil && !st.IsDir() {
			path = defaultConfigPath
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if p := strings.TrimSpace(profile); p != "" {
		cfg.Profile = p
	}
	for _, s := range scripts {
		if s = strings.TrimSpace(s); s != "" {
			cfg.Scripts = append(cfg.Scripts, s)
		}
	}
	return cfg, config.Validate(cfg)
}
