package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort = 32146
	DefaultHost = "127.0.0.1"

	DefaultLXIPort    = 1024
	DefaultLXITimeout = 3000 * time.Millisecond
	DefaultBoard      = 0
)

// Config holds the application configuration.
type Config struct {
	// API server
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Instrument
	LXIAddress       string        `yaml:"lxi_address"`
	LXIPort          int           `yaml:"lxi_port"`
	LXITimeout       time.Duration `yaml:"lxi_timeout"`
	Board            int           `yaml:"board"`
	MinDriverVersion string        `yaml:"min_driver_version"`

	// Logging
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:       DefaultHost,
		Port:       DefaultPort,
		LXIPort:    DefaultLXIPort,
		LXITimeout: DefaultLXITimeout,
		Board:      DefaultBoard,
		LogLevel:   "info",
	}
}

// Load reads configuration from environment variables with sensible defaults.
// If LXI_AGENT_CONFIG names a YAML file it is applied before the environment;
// an unreadable file is ignored.
func Load() *Config {
	cfg, err := LoadFrom(os.Getenv("LXI_AGENT_CONFIG"))
	if err != nil {
		cfg = Default()
		applyEnv(cfg)
	}
	return cfg
}

// LoadFrom applies the YAML file at path (if any) and then the environment.
func LoadFrom(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// LoadFile returns the defaults overlaid with the YAML file at path.
// An empty path returns the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Out of range values from the file fall back like bad env values do.
	def := Default()
	if !validPort(cfg.Port) {
		cfg.Port = def.Port
	}
	if !validPort(cfg.LXIPort) {
		cfg.LXIPort = def.LXIPort
	}
	if cfg.LXITimeout <= 0 {
		cfg.LXITimeout = def.LXITimeout
	}
	if cfg.Board < 0 {
		cfg.Board = def.Board
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	// LXI_AGENT_PORT - override the API port
	if port, ok := envPort("LXI_AGENT_PORT"); ok {
		cfg.Port = port
	}

	// LXI_AGENT_HOST - override the API host (localhost is safest)
	if host := os.Getenv("LXI_AGENT_HOST"); host != "" {
		cfg.Host = host
	}

	if addr := os.Getenv("LXI_ADDRESS"); addr != "" {
		cfg.LXIAddress = addr
	}

	if port, ok := envPort("LXI_PORT"); ok {
		cfg.LXIPort = port
	}

	// LXI_TIMEOUT_MS - connect timeout in milliseconds
	if s := os.Getenv("LXI_TIMEOUT_MS"); s != "" {
		if ms, err := strconv.Atoi(s); err == nil && ms > 0 {
			cfg.LXITimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if s := os.Getenv("LXI_BOARD"); s != "" {
		if board, err := strconv.Atoi(s); err == nil && board >= 0 {
			cfg.Board = board
		}
	}

	if v := os.Getenv("LXI_MIN_DRIVER_VERSION"); v != "" {
		cfg.MinDriverVersion = v
	}

	if f := os.Getenv("LXI_AGENT_LOG_FILE"); f != "" {
		cfg.LogFile = f
	}

	if l := os.Getenv("LXI_AGENT_LOG_LEVEL"); l != "" {
		cfg.LogLevel = l
	}
}

func envPort(name string) (int, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	port, err := strconv.Atoi(s)
	if err != nil || !validPort(port) {
		return 0, false
	}
	return port, true
}

func validPort(port int) bool {
	return port > 0 && port < 65536
}

// Address returns the formatted host:port address string.
func (c *Config) Address() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
