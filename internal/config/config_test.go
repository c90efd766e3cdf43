package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"adminKey": "hash",
		"jwtSecret": "secret",
		"dbConn": "localhost:5432",
		"dbName": "relay",
		"dbUser": "relay",
		"dbPass": "relay"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":3000", cfg.ListenAddr)
	require.Equal(t, "relay.db", cfg.DBPath)
	require.Equal(t, int64(320<<30), cfg.DiskSize)
	require.Equal(t, 0.9, cfg.TrimHighWaterMark)
	require.Equal(t, 4, cfg.WorkersCrawlers)
	require.Equal(t, 4, cfg.WorkersPublishers)
	require.Equal(t, "https://plc.directory", cfg.PLCDirectory)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `{"adminKey": "hash"}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadTrimHighWaterMark(t *testing.T) {
	path := writeConfig(t, `{
		"adminKey": "hash",
		"jwtSecret": "secret",
		"dbConn": "localhost:5432",
		"dbName": "relay",
		"dbUser": "relay",
		"dbPass": "relay",
		"trimHighWaterMark": 1.5
	}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestConnStringEscapesCredentials(t *testing.T) {
	cfg := &Config{DBUser: "user name", DBPass: "p@ss/word", DBConn: "localhost:5432", DBName: "relay"}
	require.Contains(t, cfg.ConnString(), "user+name")
}
