package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 6667, cfg.Port)
	assert.Equal(t, "malefirc.local", cfg.ServerName)
	assert.Equal(t, "admin", cfg.OperName)
	assert.Equal(t, "adminpass", cfg.OperPassword)
	assert.False(t, cfg.TLSEnabled)
	assert.Equal(t, 6697, cfg.TLSPort)
	assert.Equal(t, "0.0.0.0:6667", cfg.ListenAddr())
	assert.Equal(t, "0.0.0.0:6697", cfg.TLSListenAddr())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IRC_PORT", "7000")
	t.Setenv("IRC_SERVER_NAME", "env.example.org")
	t.Setenv("IRC_TLS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "env.example.org", cfg.ServerName)
	assert.True(t, cfg.TLSEnabled)
}

func TestYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "irc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"server_name: file.example.org\nport: 7100\nmotd: from the file\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file.example.org", cfg.ServerName)
	assert.Equal(t, 7100, cfg.Port)
	assert.Equal(t, "from the file", cfg.MOTD)
	// Untouched keys keep their defaults.
	assert.Equal(t, "admin", cfg.OperName)
}

func TestTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "irc.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"server_name = \"toml.example.org\"\nport = 7200\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "toml.example.org", cfg.ServerName)
	assert.Equal(t, 7200, cfg.Port)
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "irc.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7100\n"), 0o644))

	t.Setenv("IRC_PORT", "7300")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7300, cfg.Port)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
