package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, "http://127.0.0.1:8080", c.RelayAddr)
	assert.Equal(t, "chatsync.db", c.LedgerPath)
	assert.Equal(t, "chatsync-keys.db", c.KeystorePath)
	assert.Equal(t, 30*time.Second, c.SyncInterval)
	assert.Equal(t, 3*time.Second, c.OnlineCheckInterval)
	assert.Equal(t, 7*24*time.Hour, c.KeyValidity)
}

func TestLoadConfig_UsesDefaultsBeforeParsing(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"testbin"}

	cfg := LoadConfig()

	require.NotNil(t, cfg, "LoadConfig must not return nil")
	assert.Equal(t, "http://127.0.0.1:8080", cfg.RelayAddr)
	assert.Equal(t, 3*time.Second, cfg.OnlineCheckInterval)
}
