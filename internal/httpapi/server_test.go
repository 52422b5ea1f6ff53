package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/da-penguin-guy/Virgil/internal/channel"
	"github.com/da-penguin-guy/Virgil/internal/config"
	"github.com/da-penguin-guy/Virgil/internal/node"
	"github.com/da-penguin-guy/Virgil/internal/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Node{
		Name:  "spkA",
		Model: "M1",
		Type:  "tx",
		Channels: []config.ChannelSpec{
			{ChannelIndex: 0, ChannelType: "tx", Parameters: map[string]config.ParameterSpec{
				"gain": {DataType: "number", Value: 1.0, MinValue: -10, MaxValue: 10, Precision: 0.1},
			}},
		},
	}
	n := node.New(cfg)

	st, err := store.Open(filepath.Join(t.TempDir(), "virgil.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return New(n, st)
}

func TestHealthRoute(t *testing.T) {
	s := testServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestChannelsAndChannelRoutes(t *testing.T) {
	s := testServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/channels")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var channels []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&channels))
	require.Len(t, channels, 1)

	resp2, err := http.Get(ts.URL + "/api/channels/0/tx")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(ts.URL + "/api/channels/9/tx")
	require.NoError(t, err)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestSubscriptionsSnapshotRoute(t *testing.T) {
	s := testServer(t)
	s.node.Subs.Add(channel.Key{Index: 0, Type: "tx"}, "mic1")

	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/subscriptions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	require.Len(t, snapshot, 1)
	require.Equal(t, float64(0), snapshot[0]["ChannelIndex"])
}

func TestAuditRoute(t *testing.T) {
	s := testServer(t)
	require.NoError(t, s.store.RecordAudit(context.Background(), store.AuditEvent{Kind: "link", PeerName: "mic1", ChannelIndex: 0, ChannelType: "tx", Detail: "tx:0 -> rx:0"}))

	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/audit")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
}
