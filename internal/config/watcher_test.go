package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("[monitor]\nlines = 60\n"), 0o600))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(dir, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	go w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[monitor]\nlines = 99\n"), 0o600))

	select {
	case cfg := <-reloaded:
		require.Equal(t, 99, cfg.Monitor.Lines)
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(dir, func(cfg *Config) { reloaded <- cfg })
	require.NoError(t, err)
	go w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	select {
	case <-reloaded:
		t.Fatal("unrelated file triggered a reload")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcherSkipsMalformedReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(dir, func(cfg *Config) { reloaded <- cfg })
	require.NoError(t, err)
	go w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[broken"), 0o600))

	select {
	case <-reloaded:
		t.Fatal("malformed config must not reach the callback")
	case <-time.After(500 * time.Millisecond):
	}
}
