// Copyright (c) 2025 Parley Authors
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleydev/parley-tui/internal/api"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, api.DefaultBaseURL, cfg.API.BaseURL)
	assert.Equal(t, "auto", cfg.Chat.Model)
	assert.Equal(t, "dark", cfg.UI.Theme)
	assert.True(t, cfg.Chat.SaveTranscripts)
	assert.False(t, cfg.IsConfigured())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, api.DefaultBaseURL, cfg.API.BaseURL)
}

func TestLoadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[api]
key = "pk-abc"
base_url = "https://chat.example.com"
user_id = "user_42"

[chat]
model = "deepseek"

[ui]
theme = "light"
compact_mode = true
`), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "pk-abc", cfg.API.Key)
	assert.Equal(t, "https://chat.example.com", cfg.API.BaseURL)
	assert.Equal(t, "user_42", cfg.API.UserID)
	assert.Equal(t, "deepseek", cfg.Chat.Model)
	assert.Equal(t, "light", cfg.UI.Theme)
	assert.True(t, cfg.UI.CompactMode)
	assert.True(t, cfg.IsConfigured())

	// Partial files still get defaults for omitted fields.
	assert.Equal(t, api.DefaultMaxRetries, cfg.API.MaxRetries)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_API_KEY", "pk-env")
	t.Setenv("PARLEY_BASE_URL", "https://env.example.com")
	t.Setenv("PARLEY_MODEL", "qwen")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, "pk-env", cfg.API.Key)
	assert.Equal(t, "https://env.example.com", cfg.API.BaseURL)
	assert.Equal(t, "qwen", cfg.Chat.Model)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"bad url", func(c *Config) { c.API.BaseURL = "not a url" }, "api.base_url"},
		{"bad scheme", func(c *Config) { c.API.BaseURL = "ftp://example.com" }, "api.base_url"},
		{"bad theme", func(c *Config) { c.UI.Theme = "solarized" }, "ui.theme"},
		{"negative retries", func(c *Config) { c.API.MaxRetries = -1 }, "api.max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.API.Key = "pk-save"
	cfg.API.UserID = "user_7"
	require.NoError(t, SaveTOML(cfg, path))

	// SECURITY: saved files must not be world-readable
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "pk-save", loaded.API.Key)
	assert.Equal(t, "user_7", loaded.API.UserID)
}

func TestInsecurePermissionsAreFixed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[api]\nkey = \"pk\"\n"), 0644))

	_, err := LoadFromPath(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestStringRedactsKey(t *testing.T) {
	cfg := Default()
	cfg.API.Key = "pk-super-secret"

	out := cfg.String()
	assert.NotContains(t, out, "pk-super-secret")
	assert.Contains(t, out, "[REDACTED]")
}
