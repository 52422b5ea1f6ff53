package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "device.config")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, `{
		"Name": "spkA",
		"Model": "M1",
		"Type": "tx",
		"Channels": [
			{"channelIndex": 0, "channelType": "tx", "parameters": {
				"gain": {"dataType":"number","minValue":-10,"maxValue":50,"precision":0.1,"value":10,"readOnly":false}
			}}
		],
		"Connections": [
			{"name": "mic1", "selfIndex": 0, "selfType": "tx", "channelIndex": 0, "channelType": "rx"}
		]
	}`)

	n, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "spkA", n.Name)
	require.Len(t, n.Channels, 1)
	require.Len(t, n.Connections, 1)
}

func TestLoadRejectsMissingName(t *testing.T) {
	path := writeTempConfig(t, `{"Model":"M1","Type":"tx","Channels":[],"Connections":[]}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateChannelKey(t *testing.T) {
	path := writeTempConfig(t, `{
		"Name": "spkA",
		"Channels": [
			{"channelIndex": 0, "channelType": "tx", "parameters": {}},
			{"channelIndex": 0, "channelType": "tx", "parameters": {}}
		]
	}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadDataType(t *testing.T) {
	path := writeTempConfig(t, `{
		"Name": "spkA",
		"Channels": [
			{"channelIndex": 0, "channelType": "tx", "parameters": {
				"gain": {"dataType":"notarealtype","value":1}
			}}
		]
	}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsConnectionToUndeclaredChannel(t *testing.T) {
	path := writeTempConfig(t, `{
		"Name": "spkA",
		"Channels": [],
		"Connections": [{"name":"mic1","selfIndex":0,"selfType":"tx"}]
	}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestListConfigFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.config"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.config"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	files, err := ListConfigFiles(dir)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a.config", "b.config"}, files)
}
