package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"MORSE_HANDLE",
		"MORSE_KEY_PASSPHRASE",
		"MORSE_DATA_DIR",
		"XMPP_HOST",
		"XMPP_PORT",
		"XMPP_DOMAIN",
		"XMPP_RESOURCE",
		"XMPP_PUSH_JID",
		"DIRECTORY_URL",
		"MEDIA_UPLOAD_URL",
		"PUSH_TOKEN",
		"VOIP_PUSH_TOKEN",
		"RATCHET_ENABLED",
		"RATCHET_ROTATE_EVERY",
		"PEER_CACHE_TTL",
		"CONNECT_TIMEOUT",
		"PUSH_DECRYPT_BUDGET",
		"ENVIRONMENT",
		"ENABLE_MCP",
		"MCP_LISTEN_ADDR",
		"MCP_API_KEYS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setRequiredEnv sets the minimum env vars for the daemon.
func setRequiredEnv(t *testing.T, dataDir string) {
	t.Helper()
	t.Setenv("MORSE_HANDLE", "alice")
	t.Setenv("MORSE_KEY_PASSPHRASE", "correct horse")
	t.Setenv("MORSE_DATA_DIR", dataDir)
	t.Setenv("XMPP_HOST", "chat.example.test")
	t.Setenv("DIRECTORY_URL", "https://directory.example.test")
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	setRequiredEnv(t, dir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Handle)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 5443, cfg.XMPPPort)
	assert.Equal(t, "chat.example.test", cfg.XMPPDomain)
	assert.Equal(t, "morse", cfg.XMPPResource)
	assert.True(t, cfg.RatchetEnabled)
	assert.Equal(t, uint32(100), cfg.RatchetRotateEvery)
	assert.Equal(t, 24*time.Hour, cfg.PeerCacheTTL)
	assert.Equal(t, 20*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.PushDecryptBudget)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.EnableMCP)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t, t.TempDir())
	t.Setenv("XMPP_PORT", "443")
	t.Setenv("XMPP_DOMAIN", "example.test")
	t.Setenv("RATCHET_ENABLED", "false")
	t.Setenv("PEER_CACHE_TTL", "90m")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "example.test", cfg.XMPPDomain)
	assert.False(t, cfg.RatchetEnabled)
	assert.Equal(t, 90*time.Minute, cfg.PeerCacheTTL)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "wss://chat.example.test:443/xmpp-websocket", cfg.XMPPURL())
}

func TestLoad_MissingRequired(t *testing.T) {
	for _, key := range []string{"MORSE_HANDLE", "MORSE_KEY_PASSPHRASE", "XMPP_HOST", "DIRECTORY_URL"} {
		t.Run(key, func(t *testing.T) {
			clearConfigEnv(t)
			setRequiredEnv(t, t.TempDir())
			os.Unsetenv(key)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t, t.TempDir())
	t.Setenv("CONNECT_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_PushTokenNeedsPushJID(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t, t.TempDir())
	t.Setenv("PUSH_TOKEN", "abcd")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "XMPP_PUSH_JID")

	t.Setenv("XMPP_PUSH_JID", "push.example.test")
	_, err = Load()
	assert.NoError(t, err)
}

func TestLoad_MCPNeedsKeys(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t, t.TempDir())
	t.Setenv("ENABLE_MCP", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MCP_API_KEYS")

	t.Setenv("MCP_API_KEYS", "agent:mk_00112233445566778899aabbccddeeff")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8090", cfg.MCPListenAddr)
}

func TestLoad_ResolvesRelativeDataDir(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t, "relative/data")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.Equal(t, filepath.Join(cfg.DataDir, "media"), cfg.MediaDir())
}

func TestLoad_DefaultDataDir(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t, "")
	os.Unsetenv("MORSE_DATA_DIR")

	cfg, err := Load()
	require.NoError(t, err)

	want, err := DefaultDataDir()
	require.NoError(t, err)
	assert.Equal(t, want, cfg.DataDir)
}

func TestParseMCPAPIKeys(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr string
	}{
		{name: "empty", raw: ""},
		{name: "single", raw: "agent:mk_00112233445566778899aabbccddeeff", want: 1},
		{name: "two with spaces", raw: " a:mk_00112233445566778899aabbccddeeff , b:mk_ffeeddccbbaa99887766554433221100 ", want: 2},
		{name: "missing colon", raw: "agent", wantErr: "missing ':'"},
		{name: "wrong prefix", raw: "agent:vs_00112233445566778899aabbccddeeff", wantErr: "prefix"},
		{name: "too short", raw: "agent:mk_0011", wantErr: "too short"},
		{name: "not hex", raw: "agent:mk_zz112233445566778899aabbccddeeff", wantErr: "non-hex"},
		{name: "duplicate user", raw: "a:mk_00112233445566778899aabbccddeeff,a:mk_ffeeddccbbaa99887766554433221100", wantErr: "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{MCPAPIKeys: tt.raw}
			keys, err := cfg.ParseMCPAPIKeys()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, keys, tt.want)
		})
	}
}
