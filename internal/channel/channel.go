// Package channel implements the local channel/parameter catalog: typed
// parameter storage, validation, and the linked-channel bookkeeping that
// backs the subscription/dispatcher layer.
package channel

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/da-penguin-guy/Virgil/internal/protocol"
)

// DataType is the tagged-variant discriminator for a Parameter.
type DataType string

const (
	DataTypeNumber DataType = "number"
	DataTypeBool   DataType = "bool"
	DataTypeString DataType = "string"
	DataTypeEnum   DataType = "enum"
)

// Parameter is a named, typed attribute of a channel. Exactly the fields
// relevant to DataType are meaningful; the zero value of the others is
// ignored, following the tagged-variant shape design note 1 calls for.
type Parameter struct {
	DataType DataType
	Value    any
	ReadOnly bool

	// number-only
	MinValue  float64
	MaxValue  float64
	Precision float64
	Unit      string

	// enum-only
	EnumValues []string
}

// Key identifies a channel by its composite (index, type) pair.
type Key struct {
	Index int
	Type  string
}

// LinkedChannel is one entry of a channel's linkedChannels list: a remote
// peer's channel currently linked to this one.
type LinkedChannel struct {
	DeviceName   string
	ChannelIndex *int
	ChannelType  *string
}

// Channel is one local channel: its parameters and the peers linked to it.
type Channel struct {
	Key            Key
	Parameters     map[string]Parameter
	LinkedChannels []LinkedChannel
}

// Store is the in-memory catalog of local channels. All mutation goes
// through its exported methods, which take the store's lock; callers never
// see a half-updated Channel.
type Store struct {
	mu       sync.RWMutex
	channels map[Key]*Channel

	observerMu sync.Mutex
	observer   func(index int, chType string, params []string, local bool)
}

// NewStore returns an empty channel store.
func NewStore() *Store {
	return &Store{channels: make(map[Key]*Channel)}
}

// SetObserver registers the callback fired after every successful mutation.
// local reports whether the write came through ApplyLocalWrite (hardware/GUI)
// as opposed to ApplyRemoteCommand (a peer's parameterCommand); the
// dispatcher uses this to fan out hardware-originated changes itself while
// leaving peer-originated ones to its own explicit, exclude-aware fan-out
// (see node.ApplyParameterCommand). Only one observer is supported at a
// time, matching the single dispatcher that is meant to consume it.
func (s *Store) SetObserver(fn func(index int, chType string, params []string, local bool)) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.observer = fn
}

func (s *Store) notify(index int, chType string, params []string, local bool) {
	s.observerMu.Lock()
	fn := s.observer
	s.observerMu.Unlock()
	if fn != nil {
		fn(index, chType, params, local)
	}
}

// Get returns a deep-enough copy of the channel at (index,type); the second
// return value is false if no such channel exists.
func (s *Store) Get(index int, chType string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[Key{index, chType}]
	if !ok {
		return Channel{}, false
	}
	return cloneChannel(ch), true
}

// ListParameters returns the (name, descriptor) pairs of a channel, sorted
// by name for stable output.
func (s *Store) ListParameters(index int, chType string) ([]string, map[string]Parameter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[Key{index, chType}]
	if !ok {
		return nil, nil, false
	}
	names := make([]string, 0, len(ch.Parameters))
	out := make(map[string]Parameter, len(ch.Parameters))
	for name, p := range ch.Parameters {
		names = append(names, name)
		out[name] = p
	}
	sort.Strings(names)
	return names, out, true
}

// ApplyRemoteCommand validates and applies a single parameter write received
// from a peer. readOnly parameters are rejected; this is the one path a
// remote command can never take.
func (s *Store) ApplyRemoteCommand(index int, chType, param string, value any) protocol.ErrorKind {
	return s.apply(index, chType, param, value, false)
}

// ApplyLocalWrite applies a parameter write originating from hardware or the
// GUI. It bypasses readOnly but is still range/type checked.
func (s *Store) ApplyLocalWrite(index int, chType, param string, value any) protocol.ErrorKind {
	return s.apply(index, chType, param, value, true)
}

func (s *Store) apply(index int, chType, param string, value any, local bool) protocol.ErrorKind {
	s.mu.Lock()
	ch, ok := s.channels[Key{index, chType}]
	if !ok {
		s.mu.Unlock()
		return protocol.ErrChannelIndexInvalid
	}
	p, ok := ch.Parameters[param]
	if !ok {
		s.mu.Unlock()
		return protocol.ErrParameterUnsupported
	}
	if p.ReadOnly && !local {
		s.mu.Unlock()
		return protocol.ErrParameterReadOnly
	}
	if kind := validate(p, value); kind != "" {
		s.mu.Unlock()
		return kind
	}
	p.Value = value
	ch.Parameters[param] = p
	s.mu.Unlock()

	s.notify(index, chType, []string{param}, local)
	return ""
}

// validate checks value against p's DataType, returning "" on success.
func validate(p Parameter, value any) protocol.ErrorKind {
	switch p.DataType {
	case DataTypeNumber:
		v, ok := asFloat(value)
		if !ok {
			return protocol.ErrInvalidValueType
		}
		if v < p.MinValue || v > p.MaxValue {
			return protocol.ErrValueOutOfRange
		}
		if p.Precision > 0 {
			steps := math.Round((v - p.MinValue) / p.Precision)
			snapped := steps*p.Precision + p.MinValue
			if math.Abs(snapped-v) > p.Precision/1000 {
				return protocol.ErrValueOutOfRange
			}
		}
		return ""
	case DataTypeBool:
		if _, ok := value.(bool); !ok {
			return protocol.ErrInvalidValueType
		}
		return ""
	case DataTypeString:
		if _, ok := value.(string); !ok {
			return protocol.ErrInvalidValueType
		}
		return ""
	case DataTypeEnum:
		s, ok := value.(string)
		if !ok {
			return protocol.ErrInvalidValueType
		}
		for _, allowed := range p.EnumValues {
			if allowed == s {
				return ""
			}
		}
		return protocol.ErrValueOutOfRange
	default:
		return protocol.ErrInternalError
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}

// AddLinkedChannel appends link to the channel's linkedChannels list. The
// caller (the dispatcher) is responsible for keeping the subscription
// registry and connection list in step, per the atomic three-part update
// invariant in the data model.
func (s *Store) AddLinkedChannel(index int, chType string, link LinkedChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[Key{index, chType}]
	if !ok {
		return fmt.Errorf("channel (%d,%s) does not exist", index, chType)
	}
	ch.LinkedChannels = append(ch.LinkedChannels, link)
	return nil
}

// RemoveLinkedChannel removes the first linkedChannels entry matching
// deviceName; returns false if no such entry existed.
func (s *Store) RemoveLinkedChannel(index int, chType, deviceName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[Key{index, chType}]
	if !ok {
		return false
	}
	for i, l := range ch.LinkedChannels {
		if l.DeviceName == deviceName {
			ch.LinkedChannels = append(ch.LinkedChannels[:i], ch.LinkedChannels[i+1:]...)
			return true
		}
	}
	return false
}

// MergeStatusUpdate applies the remote-mirror merge rule for statusUpdate:
// for each key present in values, if both the existing parameter and the
// incoming value are themselves maps, merge keys; otherwise overwrite.
// Used by a peer session to maintain its view of a remote channel, not by
// the local store (which always type-validates).
func MergeStatusUpdate(existing map[string]any, values map[string]any) map[string]any {
	if existing == nil {
		existing = make(map[string]any)
	}
	for k, incoming := range values {
		curr, ok := existing[k]
		currMap, currIsMap := curr.(map[string]any)
		incMap, incIsMap := incoming.(map[string]any)
		if ok && currIsMap && incIsMap {
			for ik, iv := range incMap {
				currMap[ik] = iv
			}
			existing[k] = currMap
		} else {
			existing[k] = incoming
		}
	}
	return existing
}

// InstallChannel creates or replaces a channel wholesale, used by
// installFromConfig at startup.
func (s *Store) InstallChannel(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneChannel(&ch)
	s.channels[ch.Key] = &cp
}

// Keys returns every installed channel key, sorted for deterministic
// iteration (used by the device-level infoRequest channelCounts reply).
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.channels))
	for k := range s.channels {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Index != keys[j].Index {
			return keys[i].Index < keys[j].Index
		}
		return keys[i].Type < keys[j].Type
	})
	return keys
}

func cloneChannel(ch *Channel) Channel {
	out := Channel{Key: ch.Key}
	out.Parameters = make(map[string]Parameter, len(ch.Parameters))
	for k, v := range ch.Parameters {
		out.Parameters[k] = v
	}
	out.LinkedChannels = append([]LinkedChannel{}, ch.LinkedChannels...)
	return out
}
