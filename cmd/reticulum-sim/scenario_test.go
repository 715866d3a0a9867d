package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleScenario = `
community_passphrase: "correct horse battery staple"
sync_interval_ms: 500
tick_ms: 200
duration_ms: 4000
devices:
  - id: alice
  - id: bob
link:
  packet_loss_rate: 0.1
  min_latency_ms: 5
  max_latency_ms: 40
  jitter_ms: 10
  seed: 7
script:
  - at_ms: 0
    from: alice
    content: "hello bob"
  - at_ms: 1000
    from: bob
    offline: true
  - at_ms: 2000
    from: bob
    online: true
`

func writeScenario(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadScenario_ParsesDevicesLinkAndScript(t *testing.T) {
	path := writeScenario(t, sampleScenario)

	s, err := loadScenario(path)
	require.NoError(t, err)
	require.Len(t, s.Devices, 2)
	require.Equal(t, "alice", s.Devices[0].ID)
	require.Equal(t, "bob", s.Devices[1].ID)
	require.Equal(t, 0.1, s.Link.PacketLossRate)
	require.Len(t, s.Script, 3)
	require.Equal(t, int64(500), s.SyncIntervalMS)
}

func TestLoadScenario_FillsMissingDeviceIDs(t *testing.T) {
	path := writeScenario(t, `
community_passphrase: "x"
devices:
  - id: ""
  - id: named
`)

	s, err := loadScenario(path)
	require.NoError(t, err)
	require.NotEmpty(t, s.Devices[0].ID)
	require.Equal(t, "named", s.Devices[1].ID)
}

func TestLoadScenario_RejectsFewerThanTwoDevices(t *testing.T) {
	path := writeScenario(t, `
community_passphrase: "x"
devices:
  - id: solo
`)

	_, err := loadScenario(path)
	require.Error(t, err)
}

func TestLoadScenario_RejectsMissingPassphrase(t *testing.T) {
	path := writeScenario(t, `
devices:
  - id: a
  - id: b
`)

	_, err := loadScenario(path)
	require.Error(t, err)
}

func TestCommunityKeyFromPassphrase_DeterministicAndKeyed(t *testing.T) {
	k1, err := communityKeyFromPassphrase("shared secret")
	require.NoError(t, err)
	k2, err := communityKeyFromPassphrase("shared secret")
	require.NoError(t, err)
	require.Equal(t, k1, k2, "same passphrase must derive the same community key")

	k3, err := communityKeyFromPassphrase("different secret")
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestBuildConfig_AppliesSyncInterval(t *testing.T) {
	s := &scenarioFile{CommunityPassphrase: "x", SyncIntervalMS: 777}
	cfg, err := buildConfig(s)
	require.NoError(t, err)
	require.EqualValues(t, 777, cfg.SyncIntervalMS)
}
