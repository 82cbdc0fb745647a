package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OLLAMA_HOST", "OLLAMA_URL", "TERMCHAT_SKIP_TLS_VERIFY", "TERMCHAT_DATA_DIR",
		"TERMCHAT_STORE", "TERMCHAT_MODEL", "TERMCHAT_KEEP_ALIVE", "TERMCHAT_TELEMETRY",
		"TERMCHAT_DEBUG",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("XDG_DATA_HOME", "/xdg")
}

func noDotEnv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(Config{}, noDotEnv(t))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:11434", cfg.OllamaHost)
	assert.Equal(t, "http://0.0.0.0:11434", cfg.OllamaURL)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, "llama3.1", cfg.Model)
	assert.Equal(t, 5*time.Minute, cfg.KeepAlive)
	assert.Equal(t, filepath.Join("/xdg", "termchat"), cfg.DataDir)
	assert.Equal(t, filepath.Join("/xdg", "termchat", "logs"), cfg.LogDir())
	assert.False(t, cfg.SkipTLSVerify)
}

func TestLoad_Env(t *testing.T) {
	clearEnv(t)
	t.Setenv("OLLAMA_HOST", "gpu-box:11434")
	t.Setenv("TERMCHAT_SKIP_TLS_VERIFY", "true")
	t.Setenv("TERMCHAT_STORE", "bolt")
	t.Setenv("TERMCHAT_KEEP_ALIVE", "30s")
	t.Setenv("TERMCHAT_DATA_DIR", "/tmp/tc")

	cfg, err := Load(Config{}, noDotEnv(t))
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434", cfg.OllamaURL)
	assert.True(t, cfg.SkipTLSVerify)
	assert.Equal(t, StoreBolt, cfg.Store)
	assert.Equal(t, 30*time.Second, cfg.KeepAlive)
	assert.Equal(t, "/tmp/tc", cfg.DataDir)
}

func TestLoad_ExplicitURLWins(t *testing.T) {
	clearEnv(t)
	t.Setenv("OLLAMA_HOST", "ignored:1")
	t.Setenv("OLLAMA_URL", "https://ollama.example.com")

	cfg, err := Load(Config{}, noDotEnv(t))
	require.NoError(t, err)
	assert.Equal(t, "https://ollama.example.com", cfg.OllamaURL)
}

func TestLoad_OverridesBeatEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("TERMCHAT_MODEL", "from-env")
	t.Setenv("TERMCHAT_STORE", "bolt")

	cfg, err := Load(Config{Model: "from-flag", Debug: true}, noDotEnv(t))
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Model)
	assert.Equal(t, StoreBolt, cfg.Store)
	assert.True(t, cfg.Debug)
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TERMCHAT_MODEL=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TERMCHAT_MODEL") })

	cfg, err := Load(Config{}, path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Model)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		cfg  Config
		want error
	}{
		{"store", map[string]string{"TERMCHAT_STORE": "postgres"}, Config{}, ErrInvalidStore},
		{"url scheme", map[string]string{"OLLAMA_URL": "ftp://host"}, Config{}, ErrInvalidBackendURL},
		{"keep-alive", nil, Config{KeepAlive: -time.Minute}, ErrInvalidKeepAlive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(tt.cfg, noDotEnv(t))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("TERMCHAT_KEEP_ALIVE", "forever")

	_, err := Load(Config{}, noDotEnv(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error getting env configs")
}

func TestBuild_PropagatesBuilderError(t *testing.T) {
	b := newConfigBuilder()
	b.err = assert.AnError

	cfg, err := b.build()
	assert.Nil(t, cfg)
	assert.ErrorIs(t, err, assert.AnError)
}
