// Package subscription maps a channel key to the set of peer names
// interested in its status updates.
package subscription

import (
	"sort"
	"sync"

	"github.com/da-penguin-guy/Virgil/internal/channel"
)

// Registry is a (channelIndex, channelType) -> ordered set of peer names.
// It has no notion of socket identity; peers are named, not addressed.
type Registry struct {
	mu   sync.RWMutex
	subs map[channel.Key]map[string]struct{}
}

// NewRegistry returns an empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[channel.Key]map[string]struct{})}
}

// Add registers peer as a subscriber of key. Idempotent: a duplicate add is
// a no-op.
func (r *Registry) Add(key channel.Key, peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[key]
	if !ok {
		set = make(map[string]struct{})
		r.subs[key] = set
	}
	set[peer] = struct{}{}
}

// Remove unregisters peer from key's subscriber set. The empty set is left
// in place rather than deleted, matching the registry's "cleared entries may
// stay as empty sets" allowance.
func (r *Registry) Remove(key channel.Key, peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subs[key]; ok {
		delete(set, peer)
	}
}

// RemovePeerEverywhere drops peer from every channel's subscriber set, used
// on session teardown.
func (r *Registry) RemovePeerEverywhere(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, set := range r.subs {
		delete(set, peer)
	}
}

// Subscribers returns the sorted subscriber names of key.
func (r *Registry) Subscribers(key channel.Key) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.subs[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for peer := range set {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

// Entry is one channel key's subscriber set, for Snapshot.
type Entry struct {
	ChannelIndex int
	ChannelType  string
	Peers        []string
}

// Snapshot returns every channel key with at least one subscriber, sorted by
// (channelIndex, channelType) for a stable debug-API response.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.subs))
	for key, set := range r.subs {
		if len(set) == 0 {
			continue
		}
		peers := make([]string, 0, len(set))
		for peer := range set {
			peers = append(peers, peer)
		}
		sort.Strings(peers)
		out = append(out, Entry{ChannelIndex: key.Index, ChannelType: key.Type, Peers: peers})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChannelIndex != out[j].ChannelIndex {
			return out[i].ChannelIndex < out[j].ChannelIndex
		}
		return out[i].ChannelType < out[j].ChannelType
	})
	return out
}

// Contains reports whether peer currently subscribes to key.
func (r *Registry) Contains(key channel.Key, peer string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.subs[key]
	if !ok {
		return false
	}
	_, present := set[peer]
	return present
}
