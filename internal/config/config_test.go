package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
data_dir: /var/lib/mailflow
nats_url: nats://nats:4222
poll_interval_sec: 60
services:
  microsoft:
    provider: outlook
    token_url: https://login.microsoftonline.com/common/oauth2/v2.0/token
    client_id: client-1
    client_secret: secret-1
    scope: Mail.Read offline_access
streams:
  - mailbox: sales@example.com
    folder: inbox
    service: microsoft
  - mailbox: sales@example.com
    folder: sent
    service: microsoft
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/mailflow", cfg.DataDir)
	assert.Equal(t, ":8080", cfg.HTTPAddr, "unset keys fall back to defaults")
	assert.Equal(t, 60, cfg.PollIntervalSec)
	require.Contains(t, cfg.Services, "microsoft")
	assert.Equal(t, "outlook", cfg.Services["microsoft"].Provider)
	require.Len(t, cfg.Streams, 2)
	assert.Equal(t, "sent", cfg.Streams[1].Folder)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 30, cfg.PollIntervalSec)
}

func TestLoadRejectsUnknownService(t *testing.T) {
	_, err := Load(writeConfig(t, `
streams:
  - mailbox: sales@example.com
    folder: inbox
    service: nonexistent
`))
	require.Error(t, err)
}
