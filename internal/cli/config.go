package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the YAML config file shape for the server command.
// Every field is optional; flags provide the defaults.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	TimeSyncPort     int      `yaml:"timesync_port"`
	MonitorPort      int      `yaml:"monitor_port"`
	SessionDir       string   `yaml:"session_dir"`
	HandshakeTimeout string   `yaml:"handshake_timeout"`
	HeartbeatTimeout string   `yaml:"heartbeat_timeout"`
	NTPServers       []string `yaml:"ntp_servers"`
}

// LoadServerConfig reads and parses a YAML config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

// parseTimeout parses an optional duration string like "30s" or "2m".
func parseTimeout(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", value)
	}
	return d, nil
}
