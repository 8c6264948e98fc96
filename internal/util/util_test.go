package util

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()

	err := InitLogger(LogConfig{Level: "debug", Directory: dir, MaxBackups: 5})
	require.NoError(t, err)

	logger := ComponentLogger("test")
	logger.Info().Msg("hello")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Regexp(t, `^monosync_\d{4}-\d{2}-\d{2}\.log$`, entries[0].Name())
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"monosync_2024-01-01.log",
		"monosync_2024-01-02.log",
		"monosync_2024-01-03.log",
		"unrelated.log",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	cleanOldLogs(dir, 2)

	assert.NoFileExists(t, filepath.Join(dir, "monosync_2024-01-01.log"))
	assert.FileExists(t, filepath.Join(dir, "monosync_2024-01-02.log"))
	assert.FileExists(t, filepath.Join(dir, "monosync_2024-01-03.log"))
	assert.FileExists(t, filepath.Join(dir, "unrelated.log"))
}

func TestSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls", "cert.pem")
	keyFile := filepath.Join(dir, "tls", "key.pem")

	require.NoError(t, EnsureSelfSignedCert(certFile, keyFile, []string{"127.0.0.1", "localhost"}))

	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)
	require.NotEmpty(t, pair.Certificate)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// A second call keeps the existing pair.
	before, err := os.ReadFile(certFile)
	require.NoError(t, err)
	require.NoError(t, EnsureSelfSignedCert(certFile, keyFile, nil))
	after, err := os.ReadFile(certFile)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSystemInfo(t *testing.T) {
	info := GetSystemInfo()
	assert.NotEmpty(t, info.Platform)
	assert.Positive(t, info.CPUCores)

	usage, err := GetProcessUsage()
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), usage.PID)
	assert.Positive(t, usage.Goroutines)
}
