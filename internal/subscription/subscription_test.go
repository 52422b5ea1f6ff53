package subscription

import (
	"testing"

	"github.com/da-penguin-guy/Virgil/internal/channel"
	"github.com/stretchr/testify/require"
)

func TestAddIsIdempotent(t *testing.T) {
	r := NewRegistry()
	key := channel.Key{Index: 0, Type: "tx"}
	r.Add(key, "mic1")
	r.Add(key, "mic1")
	require.Equal(t, []string{"mic1"}, r.Subscribers(key))
}

func TestRemoveLeavesEmptySet(t *testing.T) {
	r := NewRegistry()
	key := channel.Key{Index: 0, Type: "tx"}
	r.Add(key, "mic1")
	r.Remove(key, "mic1")
	require.Empty(t, r.Subscribers(key))
	require.False(t, r.Contains(key, "mic1"))
}

// Property 5 — subscription fan-out excludes sender is exercised at the
// dispatcher level (internal/node); this verifies the underlying set
// operation the dispatcher relies on.
func TestSubscribersExcludesRemoved(t *testing.T) {
	r := NewRegistry()
	key := channel.Key{Index: 0, Type: "tx"}
	r.Add(key, "P")
	r.Add(key, "Q")
	r.Add(key, "R")
	r.Remove(key, "P")
	require.ElementsMatch(t, []string{"Q", "R"}, r.Subscribers(key))
}

func TestSnapshotOmitsEmptyEntriesAndSorts(t *testing.T) {
	r := NewRegistry()
	k0 := channel.Key{Index: 0, Type: "tx"}
	k1 := channel.Key{Index: 1, Type: "rx"}
	r.Add(k1, "mic1")
	r.Add(k0, "spk2")
	r.Add(k0, "mic1")
	r.Remove(k0, "spk2") // leaves k0 with one subscriber, not empty

	empty := channel.Key{Index: 2, Type: "tx"}
	r.Add(empty, "mic1")
	r.Remove(empty, "mic1") // leaves an empty set that Snapshot must skip

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, 0, snap[0].ChannelIndex)
	require.Equal(t, []string{"mic1"}, snap[0].Peers)
	require.Equal(t, 1, snap[1].ChannelIndex)
	require.Equal(t, []string{"mic1"}, snap[1].Peers)
}

func TestRemovePeerEverywhere(t *testing.T) {
	r := NewRegistry()
	k1 := channel.Key{Index: 0, Type: "tx"}
	k2 := channel.Key{Index: 1, Type: "rx"}
	r.Add(k1, "mic1")
	r.Add(k2, "mic1")
	r.RemovePeerEverywhere("mic1")
	require.Empty(t, r.Subscribers(k1))
	require.Empty(t, r.Subscribers(k2))
}
