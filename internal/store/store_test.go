package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "virgil.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSettingRoundTrip(t *testing.T) {
	st := openTestStore(t)

	_, ok, err := st.GetSetting("mdns.port")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, st.SetSetting("mdns.port", "7300"))
	val, ok, err := st.GetSetting("mdns.port")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "7300", val)

	require.NoError(t, st.SetSetting("mdns.port", "7301"))
	val, _, err = st.GetSetting("mdns.port")
	require.NoError(t, err)
	require.Equal(t, "7301", val)
}

func TestGetAllSettings(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.SetSetting("a", "1"))
	require.NoError(t, st.SetSetting("b", "2"))

	all, err := st.GetAllSettings()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, all)
}

func TestRecordAndRecentAudit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordAudit(ctx, AuditEvent{Kind: "link", PeerName: "mic1", ChannelIndex: 0, ChannelType: "tx", Detail: "tx:0 -> rx:0"}))
	require.NoError(t, st.RecordAudit(ctx, AuditEvent{Kind: "unlink", PeerName: "mic1", ChannelIndex: 0, ChannelType: "tx", Detail: "tx:0 -> rx:0"}))
	require.NoError(t, st.RecordAudit(ctx, AuditEvent{Kind: "peer_lost", PeerName: "spk2"}))

	all, err := st.RecentAudit(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "peer_lost", all[0].Kind) // most recent first
	require.Equal(t, -1, all[0].ChannelIndex)

	mic1Only, err := st.RecentAudit(ctx, "mic1", 10)
	require.NoError(t, err)
	require.Len(t, mic1Only, 2)
}

func TestRecentAuditHonoursLimit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, st.RecordAudit(ctx, AuditEvent{Kind: "status", PeerName: "mic1"}))
	}
	all, err := st.RecentAudit(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, all, 3)
}
