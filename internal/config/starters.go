package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// WriteGenesis writes a config.yaml holding the defaults and one freshly
// generated operator token, for first-run setup. It refuses to overwrite
// an existing file.
func WriteGenesis(homeDir string) (Config, string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return Config{}, "", fmt.Errorf("config.yaml already exists at %s", path)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return Config{}, "", fmt.Errorf("create missionctl home: %w", err)
	}
	cfg := defaultConfig()
	token := "mc_" + uuid.NewString()
	cfg.AuthTokens = map[string]string{token: "operator"}
	cfg.Risk.AuthorizedResetters = []string{"operator"}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return Config{}, "", fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Config{}, "", fmt.Errorf("write config.yaml: %w", err)
	}
	cfg.HomeDir = homeDir
	normalize(&cfg)
	return cfg, token, nil
}
