package relay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the relay server configuration, loadable from a yaml file with
// any field overridable by flags in the command layer.
type Config struct {
	// Listen is the address to serve on.
	Listen string `yaml:"listen"`
	// Database is the sqlite file holding room backups.
	Database string `yaml:"database"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Listen:   "localhost:5000",
		Database: "hindsight.sqlite3",
	}
}

// LoadConfig reads a yaml config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
