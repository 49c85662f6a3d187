package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/morse/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for morse.
type Config struct {
	// Account to run. Signed up on first start if the store does not
	// have it yet.
	Handle string `env:"MORSE_HANDLE"`

	// Protects the identity key at rest.
	KeyPassphrase string `env:"MORSE_KEY_PASSPHRASE"`

	// Holds the database and media cache. Defaults to ~/.morse.
	DataDir string `env:"MORSE_DATA_DIR"`

	// Relay connection. XMPP_DOMAIN defaults to XMPP_HOST.
	XMPPHost     string `env:"XMPP_HOST"`
	XMPPPort     int    `env:"XMPP_PORT" envDefault:"5443"`
	XMPPDomain   string `env:"XMPP_DOMAIN"`
	XMPPResource string `env:"XMPP_RESOURCE" envDefault:"morse"`
	XMPPPushJID  string `env:"XMPP_PUSH_JID"`

	DirectoryURL   string `env:"DIRECTORY_URL"`
	MediaUploadURL string `env:"MEDIA_UPLOAD_URL"`

	// Device push tokens registered with the relay after bind. Empty
	// tokens are not registered.
	PushToken     string `env:"PUSH_TOKEN"`
	VoIPPushToken string `env:"VOIP_PUSH_TOKEN"`

	RatchetEnabled     bool          `env:"RATCHET_ENABLED" envDefault:"true"`
	RatchetRotateEvery uint32        `env:"RATCHET_ROTATE_EVERY" envDefault:"100"`
	PeerCacheTTL       time.Duration `env:"PEER_CACHE_TTL" envDefault:"24h"`
	ConnectTimeout     time.Duration `env:"CONNECT_TIMEOUT" envDefault:"20s"`
	PushDecryptBudget  time.Duration `env:"PUSH_DECRYPT_BUDGET" envDefault:"5s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// MCP server settings (API keys required when MCP is enabled)
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the key passphrase to other users.
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
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.XMPPDomain == "" {
		cfg.XMPPDomain = cfg.XMPPHost
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Handle == "" {
		return fmt.Errorf("MORSE_HANDLE is required")
	}

	if c.KeyPassphrase == "" {
		return fmt.Errorf("MORSE_KEY_PASSPHRASE is required")
	}

	if c.XMPPHost == "" {
		return fmt.Errorf("XMPP_HOST is required")
	}

	if c.XMPPPort <= 0 || c.XMPPPort > 65535 {
		return fmt.Errorf("XMPP_PORT %d is out of range", c.XMPPPort)
	}

	if c.DirectoryURL == "" {
		return fmt.Errorf("DIRECTORY_URL is required")
	}

	if _, err := url.ParseRequestURI(c.DirectoryURL); err != nil {
		return fmt.Errorf("DIRECTORY_URL: %w", err)
	}

	if c.MediaUploadURL != "" {
		if _, err := url.ParseRequestURI(c.MediaUploadURL); err != nil {
			return fmt.Errorf("MEDIA_UPLOAD_URL: %w", err)
		}
	}

	if c.PeerCacheTTL < 0 || c.ConnectTimeout <= 0 || c.PushDecryptBudget <= 0 {
		return fmt.Errorf("PEER_CACHE_TTL, CONNECT_TIMEOUT and PUSH_DECRYPT_BUDGET must be positive")
	}

	if (c.PushToken != "" || c.VoIPPushToken != "") && c.XMPPPushJID == "" {
		return fmt.Errorf("XMPP_PUSH_JID is required when a push token is set")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// DefaultDataDir returns ~/.morse.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".morse"), nil
}

// MediaDir is the media cache root inside the data dir.
func (c *Config) MediaDir() string {
	return filepath.Join(c.DataDir, "media")
}

// XMPPURL is the relay's RFC 7395 WebSocket endpoint.
func (c *Config) XMPPURL() string {
	u := url.URL{
		Scheme: "wss",
		Host:   net.JoinHostPort(c.XMPPHost, strconv.Itoa(c.XMPPPort)),
		Path:   "/xmpp-websocket",
	}

	return u.String()
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:mk_key1,user2:mk_key2"
func (c *Config) ParseMCPAPIKeys() ([]auth.APIKey, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []auth.APIKey

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, auth.APIKey{UserID: userID, Key: key})
	}

	return entries, nil
}
