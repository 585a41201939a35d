package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for list-sync.
type Config struct {
	// List server base URL, e.g. https://shopping.example.com
	ServerURL string `env:"LIST_SERVER_URL"`

	// Live channel URL. Derived from ServerURL when empty.
	WSURL string `env:"LIST_WS_URL"`

	// Bearer token sent with every REST request and the websocket dial.
	APIToken string `env:"LIST_API_TOKEN"`

	// Directory holding the bbolt database and the spool. Defaults to
	// ~/.list-sync.
	StateDir string `env:"STATE_DIR"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Local HTTP server. MCP is mounted on it when enabled.
	EnableHTTP   bool   `env:"ENABLE_HTTP" envDefault:"true"`
	EnableMCP    bool   `env:"ENABLE_MCP" envDefault:"false"`
	ListenAddr   string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	MCPTokenHash string `env:"MCP_TOKEN_HASH"`

	// Timing.
	ProbeInterval     time.Duration `env:"PROBE_INTERVAL" envDefault:"15s"`
	SuppressionWindow time.Duration `env:"SUPPRESSION_WINDOW" envDefault:"1s"`
	RefreshDebounce   time.Duration `env:"REFRESH_DEBOUNCE" envDefault:"100ms"`
	PingInterval      time.Duration `env:"PING_INTERVAL" envDefault:"30s"`
	ReconnectBase     time.Duration `env:"RECONNECT_BASE" envDefault:"1s"`
	ReconnectMax      time.Duration `env:"RECONNECT_MAX" envDefault:"30s"`
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	cfg, err := parse()
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.WSURL == "" {
		ws, err := DeriveWSURL(cfg.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("deriving LIST_WS_URL: %w", err)
		}

		cfg.WSURL = ws
	}

	return cfg, nil
}

// LoadLocal reads only what offline commands need: the state directory
// and the local HTTP address. The server URL is not required.
func LoadLocal() (*Config, error) {
	return parse()
}

func parse() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("LIST_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("LIST_SERVER_URL must be an http or https URL")
	}

	if c.EnableMCP {
		if !c.EnableHTTP {
			return fmt.Errorf("ENABLE_MCP requires ENABLE_HTTP")
		}

		if c.MCPTokenHash == "" {
			return fmt.Errorf("MCP_TOKEN_HASH is required when MCP is enabled")
		}

		if !strings.HasPrefix(c.MCPTokenHash, "$2") {
			return fmt.Errorf("MCP_TOKEN_HASH must be a bcrypt hash (see list-sync hash-token)")
		}
	}

	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must be at least 1")
	}

	if c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase {
		return fmt.Errorf("RECONNECT_MAX must be at least RECONNECT_BASE and both positive")
	}

	for name, d := range map[string]time.Duration{
		"PROBE_INTERVAL":     c.ProbeInterval,
		"SUPPRESSION_WINDOW": c.SuppressionWindow,
		"REFRESH_DEBOUNCE":   c.RefreshDebounce,
		"PING_INTERVAL":      c.PingInterval,
		"REQUEST_TIMEOUT":    c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	return nil
}

// DeriveWSURL maps the server's http(s) base URL to its live channel
// endpoint: ws(s)://host/ws.
func DeriveWSURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}

// DefaultStateDir returns ~/.list-sync
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".list-sync"), nil
}

// DBPath is the bbolt database location inside StateDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// SpoolDir is where CLI commands drop action requests for the daemon.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.StateDir, "spool")
}

// LocalURL is the base URL of the daemon's local HTTP server.
func (c *Config) LocalURL() string {
	return "http://" + c.ListenAddr
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
