package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"TermChat/internal/backend"
	"TermChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetFlags() {
	flagEnvFile, flagOllamaURL, flagModel, flagStore, flagDataDir, flagKeepAlive = ".env", "", "", "", "", ""
	flagSkipTLSVerify, flagTelemetry, flagDebug = false, false, false
	askSession, askName, askSystem, askFormat = "", "", "", "text"
	askOptions, askImages, askNoStream = nil, nil, false
	sessionsJSON, modelsJSON = false, false
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	for _, k := range []string{"OLLAMA_HOST", "OLLAMA_URL", "TERMCHAT_STORE", "TERMCHAT_MODEL", "TERMCHAT_DATA_DIR"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func ollama(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat":
			var req backend.ChatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			enc := json.NewEncoder(w)
			if !req.Stream {
				_ = enc.Encode(backend.ChatResponse{Model: req.Model, Message: backend.ChatMessage{Role: "assistant", Content: "Red."}, Done: true})
				return
			}
			for _, part := range []string{"Blue", " light", " scatters."} {
				_ = enc.Encode(backend.ChatResponse{Model: req.Model, Message: backend.ChatMessage{Role: "assistant", Content: part}})
			}
			_ = enc.Encode(backend.ChatResponse{Model: req.Model, Done: true})
		case "/api/tags":
			_, _ = io.WriteString(w, `{"models":[{"name":"tiny","size":1073741824}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "termchat version dev")
}

func TestDB_PrintsStorePath(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "db", "--data-dir", dir, "--store", "bolt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "store.bolt")+"\n", out)

	_, err = execute(t, "db", "--data-dir", dir, "--store", "postgres")
	assert.Error(t, err)
}

func TestUpgrade_CreatesStore(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "upgrade", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Session store is up to date")
	assert.FileExists(t, filepath.Join(dir, "store.db"))
}

func TestAsk_PersistsSession(t *testing.T) {
	dir := t.TempDir()
	url := ollama(t)

	out, err := execute(t, "ask", "--data-dir", dir, "--ollama-url", url, "--model", "tiny", "--name", "sky", "why is the sky blue?")
	require.NoError(t, err)
	assert.Equal(t, "Blue light scatters.\n", out)

	out, err = execute(t, "sessions", "--data-dir", dir, "--json")
	require.NoError(t, err)
	var records []session.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "sky", records[0].Name)
	assert.Equal(t, "tiny", records[0].Model)

	out, err = execute(t, "ask", "--data-dir", dir, "--ollama-url", url, "-s", records[0].ID[:8], "--no-stream", "and at sunset?")
	require.NoError(t, err)
	assert.Equal(t, "Red.\n", out)
}

func TestAsk_UnknownSession(t *testing.T) {
	_, err := execute(t, "ask", "--data-dir", t.TempDir(), "-s", "nope", "hi")
	assert.ErrorContains(t, err, "nope")
}

func TestModels(t *testing.T) {
	out, err := execute(t, "models", "--data-dir", t.TempDir(), "--ollama-url", ollama(t), "--model", "tiny")
	require.NoError(t, err)
	assert.Contains(t, out, "tiny\t1.00 GB (default)")
}
