package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.IsFirstRun())
	assert.Equal(t, filepath.Join(dir, DefaultConfigFile), cfg.Path())
	assert.FileExists(t, cfg.Path())

	again, err := Load(dir)
	require.NoError(t, err)
	assert.False(t, again.IsFirstRun())
	assert.Equal(t, cfg.GetClient(), again.GetClient())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"client":{"address":"10.0.0.5","port":9000}}`), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	client := cfg.GetClient()
	assert.Equal(t, "10.0.0.5", client.Address)
	assert.Equal(t, 9000, client.Port)
	assert.Equal(t, DefaultTickRateHz, client.TickRateHz)
	assert.Equal(t, RandomPeerID, client.PeerID)
	assert.Equal(t, DefaultRelayPort, cfg.GetRelay().ListenPort)

	// Re-save filled in the missing sections.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"application_data"`)
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestUpdateField(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.UpdateField("client", "address", "192.168.1.2"))
	require.NoError(t, cfg.UpdateField("relay", "peer_timeout_sec", 45))
	assert.Equal(t, "192.168.1.2", cfg.GetClient().Address)
	assert.Equal(t, 45*time.Second, cfg.GetRelay().PeerTimeout())

	assert.Error(t, cfg.UpdateField("client", "nope", 1))
	assert.Error(t, cfg.UpdateField("bogus", "address", "x"))
	assert.Error(t, cfg.UpdateField("client", "port", "not a number"))
}

func TestTickInterval(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, ClientConfig{TickRateHz: 20}.TickInterval())
	assert.Equal(t, time.Second/DefaultTickRateHz, ClientConfig{}.TickInterval())
}

func TestValidateDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, Validate(cfg, ModeClient).IsValid())
	assert.True(t, Validate(cfg, ModeRelay).IsValid())
}

func TestValidateClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetClient(ClientConfig{Address: "relay.example.com", Port: 70000, TickRateHz: 0, PeerID: 300})

	result := Validate(cfg, ModeClient)
	require.False(t, result.IsValid())

	fields := make(map[string]bool)
	for _, e := range result.Errors {
		fields[e.Field] = true
	}
	assert.True(t, fields["client.address"])
	assert.True(t, fields["client.port"])
	assert.True(t, fields["client.tick_rate_hz"])
	assert.True(t, fields["client.peer_id"])
}

func TestValidateClientHealthWarnings(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Second, cfg.GetClient().PeerTimeout())

	require.NoError(t, cfg.UpdateField("client", "peer_timeout_sec", 0))
	require.NoError(t, cfg.UpdateField("client", "heartbeat_interval_sec", 0))

	result := Validate(cfg, ModeClient)
	assert.True(t, result.IsValid())

	fields := make(map[string]bool)
	for _, w := range result.Warnings {
		fields[w.Field] = true
	}
	assert.True(t, fields["client.peer_timeout_sec"])
	assert.True(t, fields["client.heartbeat_interval_sec"])
}

func TestValidateRelay(t *testing.T) {
	cfg := DefaultConfig()
	relay := cfg.GetRelay()
	relay.PeerTimeoutSec = 0
	relay.ListenPort = 0
	cfg.SetRelay(relay)

	app := cfg.GetApplicationData()
	app.Database.Path = ""
	cfg.SetApplicationData(app)

	result := Validate(cfg, ModeRelay)
	assert.False(t, result.IsValid())
	assert.Len(t, result.Errors, 3)

	// The client section is not checked for a relay.
	client := cfg.GetClient()
	client.Address = ""
	cfg.SetClient(client)
	assert.Len(t, Validate(cfg, ModeRelay).Errors, 3)
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	in := strings.NewReader("10.1.2.3\n9999\n\n7\nno\n")
	var out bytes.Buffer

	require.NoError(t, RunSetupWizard(cfg, in, &out))

	client := cfg.GetClient()
	assert.Equal(t, "10.1.2.3", client.Address)
	assert.Equal(t, 9999, client.Port)
	assert.Equal(t, DefaultTickRateHz, client.TickRateHz)
	assert.Equal(t, 7, client.PeerID)
	assert.FileExists(t, cfg.Path())
	assert.Contains(t, out.String(), "Configuration saved.")
}

func TestSetupWizardGivesUp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetPath(filepath.Join(t.TempDir(), DefaultConfigFile))

	in := strings.NewReader("not-an-ip\n\n\n\n\nno\n")
	var out bytes.Buffer

	err := RunSetupWizard(cfg, in, &out)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "client.address")
	assert.NoFileExists(t, cfg.Path())
}
