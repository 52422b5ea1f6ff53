// Package protocol implements the Virgil wire format: length-prefixed JSON
// envelopes carrying one or more typed control messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type discriminators (the "messageType" field).
const (
	TypeParameterCommand  = "parameterCommand"
	TypeStatusUpdate      = "statusUpdate"
	TypeStatusRequest     = "statusRequest"
	TypeInfoRequest       = "infoRequest"
	TypeInfoResponse      = "infoResponse"
	TypeChannelLink       = "channelLink"
	TypeChannelUnlink     = "channelUnlink"
	TypeSubscribeMessage  = "subscribeMessage"
	TypeUnsubscribeMsg    = "unsubscribeMessage"
	TypeErrorResponse     = "errorResponse"
	TypeEndResponse       = "endResponse"
)

// ErrorKind enumerates the errorResponse.errorValue vocabulary.
type ErrorKind string

const (
	ErrMalformedMessage   ErrorKind = "MalformedMessage"
	ErrInternalError      ErrorKind = "InternalError"
	ErrChannelIndexInvalid ErrorKind = "ChannelIndexInvalid"
	ErrParameterUnsupported ErrorKind = "ParameterUnsupported"
	ErrParameterReadOnly  ErrorKind = "ParameterReadOnly"
	ErrInvalidValueType   ErrorKind = "InvalidValueType"
	ErrValueOutOfRange    ErrorKind = "ValueOutOfRange"
	ErrUnrecognizedCommand ErrorKind = "UnrecognizedCommand"
)

// ProtocolError pairs an ErrorKind with a human-readable detail, giving
// decode failures a real error type: its Error() string is what gets
// echoed back to a peer as errorResponse's errorString, and Unwrap lets
// errors.Is/errors.As see through to an underlying cause (a json
// syntax error, for instance).
type ProtocolError struct {
	Kind   ErrorKind
	Detail string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Detail
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// NewProtocolError builds a ProtocolError of the given kind with detail
// formatted in the style of fmt.Sprintf.
func NewProtocolError(kind ErrorKind, format string, args ...any) *ProtocolError {
	return &ProtocolError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapProtocolError builds a ProtocolError of the given kind whose Unwrap
// chain reaches cause, so errors.Is(err, someSentinel) still works when the
// immediate failure came from json.Unmarshal or similar.
func WrapProtocolError(kind ErrorKind, detail string, cause error) *ProtocolError {
	return &ProtocolError{Kind: kind, Detail: detail, Cause: cause}
}

// IsKind reports whether err is a *ProtocolError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// KindOf extracts the ErrorKind from err if it is a *ProtocolError,
// falling back to ErrMalformedMessage for anything else — every caller
// that asks for this is already on a decode-failure path.
func KindOf(err error) ErrorKind {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrMalformedMessage
}

// reservedKeys are the fixed fields every message may carry. Everything else
// in the JSON object is a parameter name/value pair and lands in Params.
var reservedKeys = map[string]struct{}{
	"messageType":         {},
	"channelIndex":        {},
	"channelType":         {},
	"sendingChannelIndex": {},
	"sendingChannelType":  {},
	"errorValue":          {},
	"errorString":         {},
	"deviceModel":         {},
	"deviceType":          {},
	"virgilVersion":       {},
	"channelCounts":       {},
}

// Message is one entry of an envelope's "messages" array. Fixed protocol
// fields are typed; the open-ended parameter name/value pairs carried by
// parameterCommand and statusUpdate live in Params, mirroring the dynamic
// shape the wire format actually uses.
type Message struct {
	Type                string
	ChannelIndex        int
	ChannelType         string
	SendingChannelIndex int
	SendingChannelType  string
	ErrorValue          ErrorKind
	ErrorString         string
	DeviceModel         string
	DeviceType          string
	VirgilVersion       string
	ChannelCounts       map[string]int
	Params              map[string]any
}

// MarshalJSON flattens the fixed fields and Params into one JSON object.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Params)+8)
	for k, v := range m.Params {
		out[k] = v
	}
	out["messageType"] = m.Type
	switch m.Type {
	case TypeInfoRequest:
		out["channelIndex"] = m.ChannelIndex
		if m.ChannelIndex != -1 {
			out["channelType"] = m.ChannelType
		}
	case TypeErrorResponse:
		out["errorValue"] = m.ErrorValue
		out["errorString"] = m.ErrorString
	case TypeInfoResponse:
		if m.ChannelIndex == -1 {
			out["channelIndex"] = -1
			out["deviceModel"] = m.DeviceModel
			out["deviceType"] = m.DeviceType
			out["virgilVersion"] = m.VirgilVersion
			out["channelCounts"] = m.ChannelCounts
		} else {
			out["channelIndex"] = m.ChannelIndex
			out["channelType"] = m.ChannelType
		}
	case TypeChannelLink, TypeChannelUnlink:
		out["sendingChannelIndex"] = m.SendingChannelIndex
		out["sendingChannelType"] = m.SendingChannelType
		out["channelIndex"] = m.ChannelIndex
		out["channelType"] = m.ChannelType
	case TypeEndResponse:
		// no extra fields
	default: // parameterCommand, statusUpdate, statusRequest, subscribe(un)
		out["channelIndex"] = m.ChannelIndex
		out["channelType"] = m.ChannelType
	}
	return json.Marshal(out)
}

// UnmarshalJSON pulls the fixed fields out of the object and keeps every
// remaining key as a parameter in Params.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	mt, _ := raw["messageType"].(string)
	m.Type = mt

	if v, ok := raw["channelIndex"]; ok {
		m.ChannelIndex = toInt(v)
	}
	if v, ok := raw["channelType"].(string); ok {
		m.ChannelType = v
	}
	if v, ok := raw["sendingChannelIndex"]; ok {
		m.SendingChannelIndex = toInt(v)
	}
	if v, ok := raw["sendingChannelType"].(string); ok {
		m.SendingChannelType = v
	}
	if v, ok := raw["errorValue"].(string); ok {
		m.ErrorValue = ErrorKind(v)
	}
	if v, ok := raw["errorString"].(string); ok {
		m.ErrorString = v
	}
	if v, ok := raw["deviceModel"].(string); ok {
		m.DeviceModel = v
	}
	if v, ok := raw["deviceType"].(string); ok {
		m.DeviceType = v
	}
	if v, ok := raw["virgilVersion"].(string); ok {
		m.VirgilVersion = v
	}
	if v, ok := raw["channelCounts"].(map[string]any); ok {
		counts := make(map[string]int, len(v))
		for k, cv := range v {
			counts[k] = toInt(cv)
		}
		m.ChannelCounts = counts
	}

	params := make(map[string]any)
	for k, v := range raw {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		params[k] = v
	}
	if len(params) > 0 {
		m.Params = params
	}
	return nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

// Envelope is the outermost frame payload: one sender identity plus a
// non-empty ordered list of messages.
type Envelope struct {
	TransmittingDevice string    `json:"transmittingDevice"`
	Messages           []Message `json:"messages"`
}

// --- message constructors, mirroring the shapes §6 of the protocol defines ---

func NewParameterCommand(index int, chType string, params map[string]any) Message {
	return Message{Type: TypeParameterCommand, ChannelIndex: index, ChannelType: chType, Params: params}
}

func NewStatusUpdate(index int, chType string, params map[string]any) Message {
	return Message{Type: TypeStatusUpdate, ChannelIndex: index, ChannelType: chType, Params: params}
}

func NewStatusRequest(index int, chType string) Message {
	return Message{Type: TypeStatusRequest, ChannelIndex: index, ChannelType: chType}
}

// NewInfoRequest builds a device-level request when index == -1, otherwise a
// per-channel request (chType required in that case).
func NewInfoRequest(index int, chType string) Message {
	return Message{Type: TypeInfoRequest, ChannelIndex: index, ChannelType: chType}
}

func NewDeviceInfoResponse(model, deviceType, version string, channelCounts map[string]int) Message {
	return Message{
		Type:          TypeInfoResponse,
		ChannelIndex:  -1,
		DeviceModel:   model,
		DeviceType:    deviceType,
		VirgilVersion: version,
		ChannelCounts: channelCounts,
	}
}

func NewChannelInfoResponse(index int, chType string, params map[string]any) Message {
	return Message{Type: TypeInfoResponse, ChannelIndex: index, ChannelType: chType, Params: params}
}

func NewChannelLink(sendIndex int, sendType string, index int, chType string) Message {
	return Message{
		Type:                TypeChannelLink,
		SendingChannelIndex: sendIndex,
		SendingChannelType:  sendType,
		ChannelIndex:        index,
		ChannelType:         chType,
	}
}

func NewChannelUnlink(sendIndex int, sendType string, index int, chType string) Message {
	return Message{
		Type:                TypeChannelUnlink,
		SendingChannelIndex: sendIndex,
		SendingChannelType:  sendType,
		ChannelIndex:        index,
		ChannelType:         chType,
	}
}

func NewSubscribe(index int, chType string) Message {
	return Message{Type: TypeSubscribeMessage, ChannelIndex: index, ChannelType: chType}
}

func NewUnsubscribe(index int, chType string) Message {
	return Message{Type: TypeUnsubscribeMsg, ChannelIndex: index, ChannelType: chType}
}

func NewErrorResponse(kind ErrorKind, detail string) Message {
	return Message{Type: TypeErrorResponse, ErrorValue: kind, ErrorString: detail}
}

func NewEndResponse() Message {
	return Message{Type: TypeEndResponse}
}
