package channel

import (
	"testing"

	"github.com/da-penguin-guy/Virgil/internal/protocol"
	"github.com/stretchr/testify/require"
)

func txChannelWithGain() *Store {
	s := NewStore()
	s.InstallChannel(Channel{
		Key: Key{Index: 0, Type: "tx"},
		Parameters: map[string]Parameter{
			"gain": {DataType: DataTypeNumber, MinValue: -10, MaxValue: 50, Precision: 0.1, Value: 10.0},
			"rfLevel": {DataType: DataTypeNumber, MinValue: 0, MaxValue: 100, Precision: 1, Value: 0.0, ReadOnly: true},
		},
	})
	return s
}

// S2 — parameter set, valid.
func TestApplyRemoteCommandValid(t *testing.T) {
	s := txChannelWithGain()
	kind := s.ApplyRemoteCommand(0, "tx", "gain", 12.5)
	require.Equal(t, protocol.ErrorKind(""), kind)

	ch, ok := s.Get(0, "tx")
	require.True(t, ok)
	require.Equal(t, 12.5, ch.Parameters["gain"].Value)
}

// S3 — parameter set, out of range.
func TestApplyRemoteCommandOutOfRange(t *testing.T) {
	s := txChannelWithGain()
	kind := s.ApplyRemoteCommand(0, "tx", "gain", 51.0)
	require.Equal(t, protocol.ErrValueOutOfRange, kind)

	ch, _ := s.Get(0, "tx")
	require.Equal(t, 10.0, ch.Parameters["gain"].Value, "value must not mutate on validation failure")
}

// S4 — readOnly rejection.
func TestApplyRemoteCommandReadOnly(t *testing.T) {
	s := txChannelWithGain()
	kind := s.ApplyRemoteCommand(0, "tx", "rfLevel", 80.0)
	require.Equal(t, protocol.ErrParameterReadOnly, kind)

	ch, _ := s.Get(0, "tx")
	require.Equal(t, 0.0, ch.Parameters["rfLevel"].Value)
}

// Local writes bypass readOnly but are still range-checked.
func TestApplyLocalWriteBypassesReadOnly(t *testing.T) {
	s := txChannelWithGain()
	kind := s.ApplyLocalWrite(0, "tx", "rfLevel", 42.0)
	require.Equal(t, protocol.ErrorKind(""), kind)

	kind = s.ApplyLocalWrite(0, "tx", "rfLevel", 1000.0)
	require.Equal(t, protocol.ErrValueOutOfRange, kind)
}

// Property 4 — validation idempotence.
func TestValidationIdempotence(t *testing.T) {
	s := txChannelWithGain()
	for _, bad := range []any{-11.0, 51.0, "not-a-number"} {
		kind := s.ApplyRemoteCommand(0, "tx", "gain", bad)
		require.NotEqual(t, protocol.ErrorKind(""), kind)
		ch, _ := s.Get(0, "tx")
		require.Equal(t, 10.0, ch.Parameters["gain"].Value)
	}
}

func TestPrecisionToleranceAcceptsFloatingPointDrift(t *testing.T) {
	s := NewStore()
	s.InstallChannel(Channel{
		Key: Key{Index: 0, Type: "tx"},
		Parameters: map[string]Parameter{
			"gain": {DataType: DataTypeNumber, MinValue: 0, MaxValue: 10, Precision: 0.1, Value: 0.0},
		},
	})
	// 0.3 has no exact float64 form, so snapping it to the 0.1 grid
	// (3 * 0.1) lands a few ulps away from the value itself.
	kind := s.ApplyRemoteCommand(0, "tx", "gain", 0.1*3)
	require.Equal(t, protocol.ErrorKind(""), kind)
}

func TestEnumValidation(t *testing.T) {
	s := NewStore()
	s.InstallChannel(Channel{
		Key: Key{Index: 0, Type: "tx"},
		Parameters: map[string]Parameter{
			"band": {DataType: DataTypeEnum, EnumValues: []string{"A", "B", "C"}, Value: "A"},
		},
	})
	require.Equal(t, protocol.ErrorKind(""), s.ApplyRemoteCommand(0, "tx", "band", "B"))
	require.Equal(t, protocol.ErrValueOutOfRange, s.ApplyRemoteCommand(0, "tx", "band", "Z"))
}

func TestApplyRemoteCommandUnknownChannelOrParameter(t *testing.T) {
	s := txChannelWithGain()
	require.Equal(t, protocol.ErrChannelIndexInvalid, s.ApplyRemoteCommand(9, "tx", "gain", 1.0))
	require.Equal(t, protocol.ErrParameterUnsupported, s.ApplyRemoteCommand(0, "tx", "nope", 1.0))
}

// Property 6 (link half) — AddLinkedChannel / RemoveLinkedChannel keep
// linkedChannels consistent.
func TestLinkedChannelsAddRemove(t *testing.T) {
	s := txChannelWithGain()
	idx, typ := 0, "tx"
	require.NoError(t, s.AddLinkedChannel(0, "tx", LinkedChannel{DeviceName: "mic1", ChannelIndex: &idx, ChannelType: &typ}))

	ch, _ := s.Get(0, "tx")
	require.Len(t, ch.LinkedChannels, 1)
	require.Equal(t, "mic1", ch.LinkedChannels[0].DeviceName)

	require.True(t, s.RemoveLinkedChannel(0, "tx", "mic1"))
	ch, _ = s.Get(0, "tx")
	require.Empty(t, ch.LinkedChannels)
}

func TestMergeStatusUpdateMergesNestedMapsOverwritesScalars(t *testing.T) {
	existing := map[string]any{
		"gain": map[string]any{"value": 3.0},
		"name": "old",
	}
	merged := MergeStatusUpdate(existing, map[string]any{
		"gain": map[string]any{"value": 7.0},
		"name": "new",
	})
	require.Equal(t, 7.0, merged["gain"].(map[string]any)["value"])
	require.Equal(t, "new", merged["name"])
}
