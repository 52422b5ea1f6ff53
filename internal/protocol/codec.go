package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// headerSize is the length of the big-endian frame-length prefix.
const headerSize = 4

// MaxFrameSize bounds a single envelope's JSON payload, guarding against a
// malformed or hostile length prefix forcing an unbounded allocation.
const MaxFrameSize = 16 << 20

// EncodeFrame marshals env and prefixes it with its 4-byte big-endian length,
// ready for a single atomic Write.
func EncodeFrame(env Envelope) ([]byte, error) {
	if err := validateOutgoing(env); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// WriteFrame encodes and writes env as one frame.
func WriteFrame(w io.Writer, env Envelope) error {
	frame, err := EncodeFrame(env)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func validateOutgoing(env Envelope) error {
	if env.TransmittingDevice == "" {
		return fmt.Errorf("envelope transmittingDevice must not be empty")
	}
	if len(env.Messages) == 0 {
		return fmt.Errorf("envelope messages must not be empty")
	}
	return nil
}

// DecodeEnvelope validates and unmarshals one already-extracted JSON payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, WrapProtocolError(ErrMalformedMessage, "invalid JSON", err)
	}
	if env.TransmittingDevice == "" {
		return Envelope{}, NewProtocolError(ErrMalformedMessage, "missing transmittingDevice")
	}
	if len(env.Messages) == 0 {
		return Envelope{}, NewProtocolError(ErrMalformedMessage, "empty messages")
	}
	for _, m := range env.Messages {
		if m.Type == "" {
			return Envelope{}, NewProtocolError(ErrMalformedMessage, "message missing messageType")
		}
	}
	return env, nil
}

// Reassembler turns an arbitrarily-chunked byte stream into a sequence of
// complete envelopes, buffering incomplete frames between Feed calls. This is
// the streaming counterpart of the session's non-blocking receive loop: bytes
// may arrive split at any boundary, including inside the 4-byte header.
type Reassembler struct {
	buf bytes.Buffer
}

// Feed appends chunk to the internal buffer and returns every envelope that
// became complete as a result. A decode error on one frame is returned
// immediately; envelopes successfully decoded before the bad frame are still
// returned alongside it.
func (r *Reassembler) Feed(chunk []byte) ([]Envelope, error) {
	r.buf.Write(chunk)

	var envelopes []Envelope
	for {
		buffered := r.buf.Bytes()
		if len(buffered) < headerSize {
			return envelopes, nil
		}
		n := binary.BigEndian.Uint32(buffered[:headerSize])
		if n > MaxFrameSize {
			return envelopes, NewProtocolError(ErrMalformedMessage, "frame length %d exceeds maximum", n)
		}
		total := headerSize + int(n)
		if len(buffered) < total {
			return envelopes, nil
		}

		payload := make([]byte, n)
		copy(payload, buffered[headerSize:total])
		r.buf.Next(total)

		env, err := DecodeEnvelope(payload)
		if err != nil {
			return envelopes, err
		}
		envelopes = append(envelopes, env)
	}
}
