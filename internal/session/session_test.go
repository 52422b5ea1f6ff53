package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/da-penguin-guy/Virgil/internal/protocol"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	applyFn func(fromPeer string, index int, chType string, params map[string]any) (map[string]any, []protocol.Message)
	torndown chan string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{torndown: make(chan string, 1)}
}

func (f *fakeHandler) ApplyParameterCommand(fromPeer string, index int, chType string, params map[string]any) (map[string]any, []protocol.Message) {
	if f.applyFn != nil {
		return f.applyFn(fromPeer, index, chType, params)
	}
	applied := make(map[string]any)
	for k, v := range params {
		applied[k] = map[string]any{"value": v}
	}
	return applied, nil
}
func (f *fakeHandler) MergeStatusUpdate(string, int, string, map[string]any) {}
func (f *fakeHandler) BuildStatusUpdate(index int, chType string) (protocol.Message, protocol.ErrorKind) {
	return protocol.NewStatusUpdate(index, chType, map[string]any{"gain": map[string]any{"value": 1.0}}), ""
}
func (f *fakeHandler) Link(fromPeer string, sendIndex int, sendType string, index int, chType string) (protocol.Message, protocol.Message, protocol.ErrorKind) {
	return protocol.NewStatusUpdate(index, chType, map[string]any{"linkedChannels": []string{fromPeer}}),
		protocol.NewInfoRequest(sendIndex, sendType), ""
}
func (f *fakeHandler) Unlink(fromPeer string, sendIndex int, sendType string, index int, chType string) (protocol.Message, protocol.ErrorKind) {
	return protocol.NewStatusUpdate(index, chType, map[string]any{"linkedChannels": []string{}}), ""
}
func (f *fakeHandler) BuildInfoResponse(index int, chType string) (protocol.Message, protocol.ErrorKind) {
	return protocol.NewDeviceInfoResponse("M1", "tx", "2.0.0", map[string]int{"tx": 1}), ""
}
func (f *fakeHandler) StoreInfoResponse(string, protocol.Message) {}
func (f *fakeHandler) Subscribe(string, int, string)              {}
func (f *fakeHandler) Unsubscribe(string, int, string)            {}
func (f *fakeHandler) Teardown(peer string, _ *Session) {
	select {
	case f.torndown <- peer:
	default:
	}
}

func readEnvelope(t *testing.T, conn net.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var r protocol.Reassembler
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		envs, err := r.Feed(buf[:n])
		require.NoError(t, err)
		if len(envs) > 0 {
			return envs[0]
		}
	}
}

func TestHandshakeBindsFirstSenderAsPeerName(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	handler := newFakeHandler()
	s := New("me", serverConn, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, nil)

	env := protocol.Envelope{TransmittingDevice: "mic1", Messages: []protocol.Message{protocol.NewEndResponse()}}
	require.NoError(t, protocol.WriteFrame(clientConn, env))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, "mic1", s.PeerName())
	require.True(t, s.IsVirgilDevice())
}

// S2 — valid parameterCommand produces a statusUpdate reply.
func TestParameterCommandProducesStatusUpdateReply(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	handler := newFakeHandler()
	s := New("me", serverConn, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, nil)

	env := protocol.Envelope{
		TransmittingDevice: "mic1",
		Messages:           []protocol.Message{protocol.NewParameterCommand(0, "tx", map[string]any{"gain": 12.5})},
	}
	require.NoError(t, protocol.WriteFrame(clientConn, env))

	reply := readEnvelope(t, clientConn)
	require.Equal(t, "me", reply.TransmittingDevice)
	require.Len(t, reply.Messages, 1)
	require.Equal(t, protocol.TypeStatusUpdate, reply.Messages[0].Type)
}

func TestEndResponseClearsOngoingCommunication(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	handler := newFakeHandler()
	s := New("me", serverConn, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, nil)

	// Bind the peer first.
	require.NoError(t, protocol.WriteFrame(clientConn, protocol.Envelope{
		TransmittingDevice: "mic1",
		Messages:           []protocol.Message{protocol.NewStatusRequest(0, "tx")},
	}))
	_ = readEnvelope(t, clientConn) // consume the statusUpdate reply

	require.NoError(t, protocol.WriteFrame(clientConn, protocol.Envelope{
		TransmittingDevice: "mic1",
		Messages:           []protocol.Message{protocol.NewEndResponse()},
	}))

	time.Sleep(50 * time.Millisecond)
	s.mu.Lock()
	turn := s.turnState
	s.mu.Unlock()
	require.Equal(t, TurnIdle, turn)
}

func TestTeardownNotifiesHandler(t *testing.T) {
	serverConn, clientConn := net.Pipe()

	handler := newFakeHandler()
	s := New("me", serverConn, handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, nil)

	require.NoError(t, protocol.WriteFrame(clientConn, protocol.Envelope{
		TransmittingDevice: "mic1",
		Messages:           []protocol.Message{protocol.NewEndResponse()},
	}))
	time.Sleep(20 * time.Millisecond)

	s.End()
	select {
	case peer := <-handler.torndown:
		require.Equal(t, "mic1", peer)
	case <-time.After(2 * time.Second):
		t.Fatal("teardown not observed")
	}
	clientConn.Close()
}
