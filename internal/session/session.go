// Package session implements the per-peer TCP session state machine: framing
// via internal/protocol, half-duplex turn discipline, and the dispatch table
// that routes decoded messages to a Handler (the dispatcher in internal/node).
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/da-penguin-guy/Virgil/internal/logging"
	"github.com/da-penguin-guy/Virgil/internal/protocol"
)

// State is the session's connection lifecycle.
type State int

const (
	StateInit State = iota
	StateHandshaking
	StateOpen
	StateDead
)

// TurnState is the explicit half-duplex turn-discipline enum design note 4
// asks for, replacing the source's single ongoingCommunication boolean.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnInTurnInitiated
	TurnInTurnResponding
)

// outboundSendTimeout bounds how long a blocked peer can stall the writer
// goroutine before a batch is dropped, the same trySend discipline the
// teacher's broadcast path uses for per-client channels.
const outboundSendTimeout = 3 * time.Second

// Handler is the dispatch table a session calls into for every recognized
// inbound message kind (§4.4). The dispatcher (internal/node.Node)
// implements it; the session itself holds no channel/subscription state.
type Handler interface {
	ApplyParameterCommand(fromPeer string, index int, chType string, params map[string]any) (applied map[string]any, errs []protocol.Message)
	MergeStatusUpdate(fromPeer string, index int, chType string, values map[string]any)
	BuildStatusUpdate(index int, chType string) (protocol.Message, protocol.ErrorKind)
	Link(fromPeer string, sendIndex int, sendType string, index int, chType string) (reply protocol.Message, queued protocol.Message, err protocol.ErrorKind)
	Unlink(fromPeer string, sendIndex int, sendType string, index int, chType string) (reply protocol.Message, err protocol.ErrorKind)
	BuildInfoResponse(index int, chType string) (protocol.Message, protocol.ErrorKind)
	StoreInfoResponse(fromPeer string, msg protocol.Message)
	Subscribe(fromPeer string, index int, chType string)
	Unsubscribe(fromPeer string, index int, chType string)
	// Teardown is called once when the session terminates, naming the
	// session instance itself so the peer registry can distinguish it from
	// whatever may have already replaced it under the same peer name.
	Teardown(peer string, s *Session)
}

// Session is one peer's TCP connection plus its protocol state machine.
type Session struct {
	selfName string
	id       string
	conn     net.Conn
	handler  Handler

	mu             sync.Mutex
	state          State
	turnState      TurnState
	peerName       string
	isVirgilDevice bool
	disabled       bool
	pendingBatches [][]protocol.Message

	outbound chan []protocol.Message
	done     chan struct{}
}

// New wraps an already-connected socket, dialed by us or accepted inbound.
// The peer name is bound from the first frame the session processes (for an
// inbound connection, the frame already read by the acceptor and passed to
// Run).
func New(selfName string, conn net.Conn, handler Handler) *Session {
	return &Session{
		selfName: selfName,
		id:       uuid.NewString(),
		conn:     conn,
		handler:  handler,
		state:    StateInit,
		outbound: make(chan []protocol.Message, 16),
		done:     make(chan struct{}),
	}
}

// ID returns the session's unique identifier, used to correlate log lines
// for a connection across reconnects under the same peer name.
func (s *Session) ID() string {
	return s.id
}

// PeerName returns the bound peer name, valid once the handshake completes.
func (s *Session) PeerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerName
}

// IsVirgilDevice reports whether the handshake has completed successfully.
func (s *Session) IsVirgilDevice() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isVirgilDevice
}

// Enqueue adds a batch of outbound messages to the session's pending queue.
// If the session is currently idle and nothing is already waiting ahead of
// it, the batch is sent immediately — initiating a new turn; otherwise it
// waits in line for the current turn, and whatever already preceded it, to
// clear. The pendingBatches check keeps this fast path from letting a
// later Enqueue call cut in front of an earlier one that is still queued.
func (s *Session) Enqueue(batch []protocol.Message) {
	s.mu.Lock()
	idle := s.turnState == TurnIdle && s.state != StateDead && len(s.pendingBatches) == 0
	if idle {
		s.turnState = TurnInTurnInitiated
	} else {
		s.pendingBatches = append(s.pendingBatches, batch)
	}
	s.mu.Unlock()

	if idle {
		s.trySend(batch)
	}
}

// queuePending appends batch to the pending queue unconditionally, never
// taking Enqueue's immediate-send fast path. dispatchOne uses this for
// batches produced as a side effect of handling one inbound message (e.g.
// channelLink's follow-up infoRequest): the turn's own reply, assembled by
// the caller after the whole dispatch loop returns, must reach the wire
// first, so nothing triggered mid-loop may jump the outbound queue ahead
// of it.
func (s *Session) queuePending(batch []protocol.Message) {
	s.mu.Lock()
	s.pendingBatches = append(s.pendingBatches, batch)
	s.mu.Unlock()
}

// EnqueueBootstrap seeds the three-batch bootstrap queue used when this
// session is the initiator (§4.4 Bootstrap).
func (s *Session) EnqueueBootstrap(batches [][]protocol.Message) {
	for _, b := range batches {
		if len(b) > 0 {
			s.Enqueue(b)
		}
	}
}

// End tears the session down: closes the socket, marks it disabled, and
// notifies the handler. Safe to call more than once.
func (s *Session) End() {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return
	}
	s.disabled = true
	s.state = StateDead
	peer := s.peerName
	s.mu.Unlock()

	_ = s.conn.Close()
	close(s.done)
	if peer != "" {
		s.handler.Teardown(peer, s)
	}
}

// Run drives the receive loop until the connection closes or ctx is
// cancelled. bootstrapFrame, if non-nil, is the raw frame already consumed
// by the acceptor while learning transmittingDevice (§4.5 inbound path).
func (s *Session) Run(ctx context.Context, bootstrapFrame []byte) error {
	go s.writeLoop(ctx)

	var reasm protocol.Reassembler
	if len(bootstrapFrame) > 0 {
		envs, err := reasm.Feed(bootstrapFrame)
		if err != nil {
			s.End()
			return fmt.Errorf("decode bootstrap frame: %w", err)
		}
		for _, env := range envs {
			s.handleEnvelope(env)
		}
	}

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			s.End()
			return nil
		default:
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			envs, decodeErr := reasm.Feed(buf[:n])
			for _, env := range envs {
				s.handleEnvelope(env)
			}
			if decodeErr != nil {
				s.sendFrame([]protocol.Message{protocol.NewErrorResponse(protocol.KindOf(decodeErr), decodeErr.Error())})
			}
		}
		if err != nil {
			s.End()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (s *Session) handleEnvelope(env protocol.Envelope) {
	s.mu.Lock()
	if s.state == StateInit || s.state == StateHandshaking {
		s.peerName = env.TransmittingDevice
		s.isVirgilDevice = true
		s.state = StateOpen
	} else if env.TransmittingDevice != s.peerName {
		s.mu.Unlock()
		s.sendFrame([]protocol.Message{protocol.NewErrorResponse(protocol.ErrMalformedMessage, "transmittingDevice mismatch")})
		return
	}
	peer := s.peerName
	s.mu.Unlock()

	var replies []protocol.Message
	receivedEnd := false
	for _, msg := range env.Messages {
		if msg.Type == protocol.TypeEndResponse {
			receivedEnd = true
			break
		}
		replies = append(replies, s.dispatchOne(peer, msg)...)
	}

	s.mu.Lock()
	if receivedEnd {
		s.turnState = TurnIdle
	} else {
		s.turnState = TurnInTurnResponding
	}

	var outbound []protocol.Message
	switch {
	case len(replies) > 0:
		outbound = replies
	case len(s.pendingBatches) > 0:
		outbound = s.pendingBatches[0]
		s.pendingBatches = s.pendingBatches[1:]
		s.turnState = TurnInTurnInitiated
	case !receivedEnd:
		outbound = []protocol.Message{protocol.NewEndResponse()}
		s.turnState = TurnIdle
	}
	s.mu.Unlock()

	if len(outbound) > 0 {
		s.sendFrame(outbound)
	}

	// A batch queued as a side effect of dispatching this frame (e.g.
	// channelLink's follow-up infoRequest) stays in pendingBatches and goes
	// out later through the normal idle/endResponse path above — never as a
	// second frame appended here. Processing one inbound frame yields at
	// most one outbound frame.
}

func (s *Session) dispatchOne(peer string, msg protocol.Message) []protocol.Message {
	switch msg.Type {
	case protocol.TypeParameterCommand:
		applied, errs := s.handler.ApplyParameterCommand(peer, msg.ChannelIndex, msg.ChannelType, msg.Params)
		out := append([]protocol.Message{}, errs...)
		if len(applied) > 0 {
			out = append(out, protocol.NewStatusUpdate(msg.ChannelIndex, msg.ChannelType, applied))
		}
		return out

	case protocol.TypeStatusUpdate:
		s.handler.MergeStatusUpdate(peer, msg.ChannelIndex, msg.ChannelType, msg.Params)
		return nil

	case protocol.TypeStatusRequest:
		reply, errKind := s.handler.BuildStatusUpdate(msg.ChannelIndex, msg.ChannelType)
		if errKind != "" {
			return []protocol.Message{protocol.NewErrorResponse(errKind, "")}
		}
		return []protocol.Message{reply}

	case protocol.TypeChannelLink:
		reply, queued, errKind := s.handler.Link(peer, msg.SendingChannelIndex, msg.SendingChannelType, msg.ChannelIndex, msg.ChannelType)
		if errKind != "" {
			return []protocol.Message{protocol.NewErrorResponse(errKind, "")}
		}
		s.queuePending([]protocol.Message{queued})
		return []protocol.Message{reply}

	case protocol.TypeChannelUnlink:
		reply, errKind := s.handler.Unlink(peer, msg.SendingChannelIndex, msg.SendingChannelType, msg.ChannelIndex, msg.ChannelType)
		if errKind != "" {
			return []protocol.Message{protocol.NewErrorResponse(errKind, "")}
		}
		return []protocol.Message{reply}

	case protocol.TypeInfoRequest:
		reply, errKind := s.handler.BuildInfoResponse(msg.ChannelIndex, msg.ChannelType)
		if errKind != "" {
			return []protocol.Message{protocol.NewErrorResponse(errKind, "")}
		}
		return []protocol.Message{reply}

	case protocol.TypeInfoResponse:
		s.handler.StoreInfoResponse(peer, msg)
		return nil

	case protocol.TypeErrorResponse:
		logging.Scoped("session").With("peer", peer, "session", s.id).Warn("peer reported error", "kind", msg.ErrorValue, "detail", msg.ErrorString)
		return nil

	case protocol.TypeSubscribeMessage:
		s.handler.Subscribe(peer, msg.ChannelIndex, msg.ChannelType)
		return nil

	case protocol.TypeUnsubscribeMsg:
		s.handler.Unsubscribe(peer, msg.ChannelIndex, msg.ChannelType)
		return nil

	default:
		return []protocol.Message{protocol.NewErrorResponse(protocol.ErrUnrecognizedCommand, msg.Type)}
	}
}

// sendFrame pushes one frame onto the writer goroutine's channel.
func (s *Session) sendFrame(messages []protocol.Message) {
	s.trySend(messages)
}

func (s *Session) trySend(messages []protocol.Message) {
	defer func() {
		_ = recover()
	}()
	select {
	case s.outbound <- messages:
	case <-time.After(outboundSendTimeout):
		logging.Scoped("session").With("peer", s.PeerName(), "session", s.id).Warn("outbound send timed out, dropping frame")
	case <-s.done:
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case messages := <-s.outbound:
			env := protocol.Envelope{TransmittingDevice: s.selfName, Messages: messages}
			if err := protocol.WriteFrame(s.conn, env); err != nil {
				logging.Scoped("session").With("peer", s.PeerName(), "session", s.id).Warn("write failed", "err", err)
				s.End()
				return
			}
		}
	}
}
