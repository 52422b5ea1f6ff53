// Package node implements the dispatcher (C7): the Node aggregate that wires
// together the channel catalog, the subscription registry, and the peer
// registry, and implements session.Handler so every session calls back into
// one consistent view of device state.
package node

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/da-penguin-guy/Virgil/internal/channel"
	"github.com/da-penguin-guy/Virgil/internal/config"
	"github.com/da-penguin-guy/Virgil/internal/logging"
	"github.com/da-penguin-guy/Virgil/internal/protocol"
	"github.com/da-penguin-guy/Virgil/internal/registry"
	"github.com/da-penguin-guy/Virgil/internal/session"
	"github.com/da-penguin-guy/Virgil/internal/store"
	"github.com/da-penguin-guy/Virgil/internal/subscription"
)

// protocolVersion is advertised in every device-level infoResponse.
const protocolVersion = "2.0.0"

// DeviceConnection is one remembered link between a local channel and a
// remote peer's channel, whether declared in the config file's Connections
// list or established at runtime by a channelLink exchange.
type DeviceConnection struct {
	PeerName  string
	SelfIndex int
	SelfType  string
	PeerIndex int
	PeerType  string
	// Rx is true when the local channel is the receiving side of the link
	// (we consume the peer's signal). On peer loss, rx connections are kept
	// as latent bookkeeping so a future infoRequest/channelLink can silently
	// re-establish them; only non-rx connections are dropped outright,
	// since re-announcing a send-side link is this device's responsibility,
	// not something a reappearing peer will do for us.
	Rx bool
}

// Node is the aggregate device: its channel catalog, subscription registry,
// known connections, and live peer sessions.
type Node struct {
	SelfName string
	Model    string
	Type     string

	Channels *channel.Store
	Subs     *subscription.Registry
	Peers    *registry.Registry

	mu          sync.Mutex
	connections []DeviceConnection
	remote      map[string]map[channel.Key]map[string]any

	store *store.Store
}

// SetStore attaches the history store, enabling the best-effort audit
// logging SPEC_FULL.md §4.10 asks the dispatcher to perform as a side
// effect of link/unlink and of applying a remote parameter command. A Node
// with no store attached (e.g. in tests) simply skips these writes.
func (n *Node) SetStore(st *store.Store) {
	n.store = st
}

// audit best-effort-records evt; a store write failure is logged but never
// blocks or fails the protocol operation it is recording.
func (n *Node) audit(evt store.AuditEvent) {
	if n.store == nil {
		return
	}
	if err := n.store.RecordAudit(context.Background(), evt); err != nil {
		logging.Scoped("node").Warn("record audit failed", "kind", evt.Kind, "err", err)
	}
}

// New builds a Node from a validated configuration, installing every
// declared channel and remembering every declared connection.
func New(cfg *config.Node) *Node {
	n := &Node{
		SelfName: cfg.Name,
		Model:    cfg.Model,
		Type:     cfg.Type,
		Channels: channel.NewStore(),
		Subs:     subscription.NewRegistry(),
		Peers:    registry.New(),
		remote:   make(map[string]map[channel.Key]map[string]any),
	}
	for _, ch := range cfg.Channels {
		params := make(map[string]channel.Parameter, len(ch.Parameters))
		for name, p := range ch.Parameters {
			params[name] = channel.Parameter{
				DataType:   channel.DataType(p.DataType),
				Value:      p.Value,
				ReadOnly:   p.ReadOnly,
				MinValue:   p.MinValue,
				MaxValue:   p.MaxValue,
				Precision:  p.Precision,
				Unit:       p.Unit,
				EnumValues: p.EnumValues,
			}
		}
		n.Channels.InstallChannel(channel.Channel{
			Key:        channel.Key{Index: ch.ChannelIndex, Type: ch.ChannelType},
			Parameters: params,
		})
	}
	for _, c := range cfg.Connections {
		dc := DeviceConnection{PeerName: c.Name, SelfIndex: c.SelfIndex, SelfType: c.SelfType}
		if c.ChannelIndex != nil {
			dc.PeerIndex = *c.ChannelIndex
		}
		if c.ChannelType != nil {
			dc.PeerType = *c.ChannelType
		}
		n.connections = append(n.connections, dc)
	}
	n.Channels.SetObserver(n.onLocalChange)
	return n
}

// onLocalChange is the channel store's mutation observer. It only reacts to
// hardware/GUI-originated writes (local==true): those have no commanding
// peer to exclude, so they fan out to every subscriber via
// handleLocalParamChange directly. A peer-originated write (local==false,
// i.e. ApplyRemoteCommand) is deliberately left alone here — it fans out
// through ApplyParameterCommand's own explicit call below instead, which is
// the only call site that knows which peer to exclude (§4.7).
func (n *Node) onLocalChange(index int, chType string, params []string, local bool) {
	if !local {
		return
	}
	_, all, ok := n.Channels.ListParameters(index, chType)
	if !ok {
		return
	}
	values := make(map[string]any, len(params))
	for _, p := range params {
		if param, ok := all[p]; ok {
			values[p] = map[string]any{"value": param.Value}
		}
	}
	n.handleLocalParamChange(index, chType, values, "")
}

// handleLocalParamChange builds a statusUpdate for values and enqueues it
// on every current subscriber of (index,chType) except exclude (pass "" to
// exclude no one). This is spec.md §4.7's single fan-out primitive: called
// with exclude="" for a hardware-originated change, and exclude=fromPeer
// when echoing the result of a peer's own parameterCommand back out, so the
// commanding peer never sees its own change as an unsolicited statusUpdate.
func (n *Node) handleLocalParamChange(index int, chType string, values map[string]any, exclude string) {
	key := channel.Key{Index: index, Type: chType}
	subscribers := n.Subs.Subscribers(key)
	if len(subscribers) == 0 {
		return
	}
	msg := protocol.NewStatusUpdate(index, chType, values)
	for _, peer := range subscribers {
		if peer == exclude {
			continue
		}
		if s, ok := n.Peers.Get(peer); ok {
			s.Enqueue([]protocol.Message{msg})
		}
	}
}

// --- session.Handler ---

func (n *Node) ApplyParameterCommand(fromPeer string, index int, chType string, params map[string]any) (map[string]any, []protocol.Message) {
	applied := make(map[string]any)
	var errs []protocol.Message
	for name, value := range params {
		if kind := n.Channels.ApplyRemoteCommand(index, chType, name, value); kind != "" {
			errs = append(errs, protocol.NewErrorResponse(kind, fmt.Sprintf("%s.%s", chType, name)))
			continue
		}
		applied[name] = map[string]any{"value": value}
	}
	if len(applied) == 0 {
		return nil, errs
	}
	// handleIncomingParamCommand (§4.7): fan the resulting statusUpdate out
	// to every other subscriber, excluding the peer that sent the command —
	// it gets its own ack via the reply frame, not a second echoed update.
	n.handleLocalParamChange(index, chType, applied, fromPeer)
	n.audit(store.AuditEvent{
		Kind: "parameter_command", PeerName: fromPeer,
		ChannelIndex: index, ChannelType: chType,
		Detail: fmt.Sprintf("%d parameter(s) applied", len(applied)),
	})
	return applied, errs
}

func (n *Node) MergeStatusUpdate(fromPeer string, index int, chType string, values map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.remote[fromPeer]
	if !ok {
		ch = make(map[channel.Key]map[string]any)
		n.remote[fromPeer] = ch
	}
	key := channel.Key{Index: index, Type: chType}
	ch[key] = channel.MergeStatusUpdate(ch[key], values)
}

func (n *Node) BuildStatusUpdate(index int, chType string) (protocol.Message, protocol.ErrorKind) {
	names, params, ok := n.Channels.ListParameters(index, chType)
	if !ok {
		return protocol.Message{}, protocol.ErrChannelIndexInvalid
	}
	values := make(map[string]any, len(names))
	for _, name := range names {
		values[name] = map[string]any{"value": params[name].Value}
	}
	return protocol.NewStatusUpdate(index, chType, values), ""
}

// Link implements the channelLink row of §4.4's dispatch table: it adds
// fromPeer to (index,chType)'s linkedChannels *and* its subscriber set as
// one call, per the data model's "the three are updated as one atomic
// transition" invariant (§3) — a DeviceConnection, a linkedChannels entry,
// and a subscription always move together.
func (n *Node) Link(fromPeer string, sendIndex int, sendType string, index int, chType string) (protocol.Message, protocol.Message, protocol.ErrorKind) {
	if _, ok := n.Channels.Get(index, chType); !ok {
		return protocol.Message{}, protocol.Message{}, protocol.ErrChannelIndexInvalid
	}
	key := channel.Key{Index: index, Type: chType}
	_ = n.Channels.AddLinkedChannel(index, chType, channel.LinkedChannel{
		DeviceName:   fromPeer,
		ChannelIndex: intPtr(sendIndex),
		ChannelType:  strPtr(sendType),
	})
	n.Subs.Add(key, fromPeer)
	n.recordConnection(fromPeer, index, chType, sendIndex, sendType, true)
	n.audit(store.AuditEvent{
		Kind: "channel_link", PeerName: fromPeer,
		ChannelIndex: index, ChannelType: chType,
		Detail: fmt.Sprintf("from %d:%s", sendIndex, sendType),
	})

	ch, _ := n.Channels.Get(index, chType)
	reply := protocol.NewStatusUpdate(index, chType, map[string]any{"linkedChannels": linkedChannelNames(ch.LinkedChannels)})
	queued := protocol.NewInfoRequest(sendIndex, sendType)
	return reply, queued, ""
}

// Unlink implements the channelUnlink row of §4.4, reversing everything
// Link established: the linkedChannels entry and the subscription both go
// away together.
func (n *Node) Unlink(fromPeer string, sendIndex int, sendType string, index int, chType string) (protocol.Message, protocol.ErrorKind) {
	if _, ok := n.Channels.Get(index, chType); !ok {
		return protocol.Message{}, protocol.ErrChannelIndexInvalid
	}
	key := channel.Key{Index: index, Type: chType}
	n.Channels.RemoveLinkedChannel(index, chType, fromPeer)
	n.Subs.Remove(key, fromPeer)
	n.dropConnection(fromPeer, index, chType)
	n.audit(store.AuditEvent{
		Kind: "channel_unlink", PeerName: fromPeer,
		ChannelIndex: index, ChannelType: chType,
	})

	ch, _ := n.Channels.Get(index, chType)
	reply := protocol.NewStatusUpdate(index, chType, map[string]any{"linkedChannels": linkedChannelNames(ch.LinkedChannels)})
	return reply, ""
}

func (n *Node) BuildInfoResponse(index int, chType string) (protocol.Message, protocol.ErrorKind) {
	if index == -1 {
		counts := make(map[string]int)
		for _, k := range n.Channels.Keys() {
			counts[k.Type]++
		}
		return protocol.NewDeviceInfoResponse(n.Model, n.Type, protocolVersion, counts), ""
	}
	names, params, ok := n.Channels.ListParameters(index, chType)
	if !ok {
		return protocol.Message{}, protocol.ErrChannelIndexInvalid
	}
	values := make(map[string]any, len(names))
	for _, name := range names {
		p := params[name]
		desc := map[string]any{"dataType": string(p.DataType), "value": p.Value, "readOnly": p.ReadOnly}
		if p.DataType == channel.DataTypeNumber {
			desc["minValue"] = p.MinValue
			desc["maxValue"] = p.MaxValue
			desc["precision"] = p.Precision
			desc["unit"] = p.Unit
		}
		if p.DataType == channel.DataTypeEnum {
			desc["enumValues"] = p.EnumValues
		}
		values[name] = desc
	}
	return protocol.NewChannelInfoResponse(index, chType, values), ""
}

func (n *Node) StoreInfoResponse(fromPeer string, msg protocol.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.remote[fromPeer]
	if !ok {
		ch = make(map[channel.Key]map[string]any)
		n.remote[fromPeer] = ch
	}
	if msg.ChannelIndex == -1 {
		ch[channel.Key{Index: -1, Type: ""}] = map[string]any{
			"deviceModel":   msg.DeviceModel,
			"deviceType":    msg.DeviceType,
			"virgilVersion": msg.VirgilVersion,
			"channelCounts": msg.ChannelCounts,
		}
		return
	}
	key := channel.Key{Index: msg.ChannelIndex, Type: msg.ChannelType}
	ch[key] = msg.Params // infoResponse replaces wholesale, never merges
}

func (n *Node) Subscribe(fromPeer string, index int, chType string) {
	n.Subs.Add(channel.Key{Index: index, Type: chType}, fromPeer)
}

func (n *Node) Unsubscribe(fromPeer string, index int, chType string) {
	n.Subs.Remove(channel.Key{Index: index, Type: chType}, fromPeer)
}

// Teardown implements the rx/non-rx asymmetry: subscriptions are fully
// cleared, but only non-rx connections for peer are forgotten. rx
// connections persist as latent bookkeeping so ChannelLink can be replayed
// against the peer the next time it is discovered.
func (n *Node) Teardown(peer string, s *session.Session) {
	n.Peers.Remove(peer, s)
	n.Subs.RemovePeerEverywhere(peer)

	n.mu.Lock()
	kept := n.connections[:0:0]
	for _, c := range n.connections {
		if c.PeerName == peer && !c.Rx {
			continue
		}
		kept = append(kept, c)
	}
	n.connections = kept
	delete(n.remote, peer)
	n.mu.Unlock()

	n.audit(store.AuditEvent{Kind: "peer_lost", PeerName: peer})
	logging.Scoped("node").With("peer", peer).Info("peer session torn down")
}

// --- connection bookkeeping ---

func (n *Node) recordConnection(peer string, selfIndex int, selfType string, peerIndex int, peerType string, rx bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, c := range n.connections {
		if c.PeerName == peer && c.SelfIndex == selfIndex && c.SelfType == selfType {
			n.connections[i].PeerIndex = peerIndex
			n.connections[i].PeerType = peerType
			n.connections[i].Rx = rx
			return
		}
	}
	n.connections = append(n.connections, DeviceConnection{
		PeerName: peer, SelfIndex: selfIndex, SelfType: selfType,
		PeerIndex: peerIndex, PeerType: peerType, Rx: rx,
	})
}

func (n *Node) dropConnection(peer string, selfIndex int, selfType string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	kept := n.connections[:0:0]
	for _, c := range n.connections {
		if c.PeerName == peer && c.SelfIndex == selfIndex && c.SelfType == selfType {
			continue
		}
		kept = append(kept, c)
	}
	n.connections = kept
}

// KnownConnectionsFor returns the remembered connections naming peer,
// sorted for deterministic bootstrap-batch construction.
func (n *Node) KnownConnectionsFor(peer string) []DeviceConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []DeviceConnection
	for _, c := range n.connections {
		if c.PeerName == peer {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SelfIndex != out[j].SelfIndex {
			return out[i].SelfIndex < out[j].SelfIndex
		}
		return out[i].SelfType < out[j].SelfType
	})
	return out
}

// buildBootstrapBatches constructs the three-batch sequence a session sends
// an initiating peer: device info, per-known-link channel info, then the
// channelLink messages themselves.
func (n *Node) buildBootstrapBatches(peer string) [][]protocol.Message {
	known := n.KnownConnectionsFor(peer)

	batch1 := []protocol.Message{protocol.NewInfoRequest(-1, "")}

	var batch2, batch3 []protocol.Message
	for _, c := range known {
		batch2 = append(batch2, protocol.NewInfoRequest(c.SelfIndex, c.SelfType))
		batch3 = append(batch3, protocol.NewChannelLink(c.SelfIndex, c.SelfType, c.PeerIndex, c.PeerType))
	}
	return [][]protocol.Message{batch1, batch2, batch3}
}

// Connect starts a session over an already-dialed outbound connection,
// registers it under peerName, and seeds its bootstrap queue from known
// connections. Returns false if the dedup invariant rejected the session.
func (n *Node) Connect(ctx context.Context, peerName string, conn net.Conn) (*session.Session, bool) {
	s := session.New(n.SelfName, conn, n)
	if !n.Peers.Register(peerName, s) {
		_ = conn.Close()
		return nil, false
	}
	go func() {
		if err := s.Run(ctx, nil); err != nil {
			logging.Scoped("node").With("peer", peerName).Warn("session ended with error", "err", err)
		}
	}()
	s.EnqueueBootstrap(n.buildBootstrapBatches(peerName))
	return s, true
}

// Accept handles an inbound connection whose first frame has already been
// peeled off by the acceptor to learn transmittingDevice (peerName).
// bootstrapFrame is that raw frame, replayed into the new session so no
// bytes are lost.
func (n *Node) Accept(ctx context.Context, peerName string, conn net.Conn, bootstrapFrame []byte) (*session.Session, bool) {
	s := session.New(n.SelfName, conn, n)
	if !n.Peers.Register(peerName, s) {
		_ = conn.Close()
		return nil, false
	}
	go func() {
		if err := s.Run(ctx, bootstrapFrame); err != nil {
			logging.Scoped("node").With("peer", peerName).Warn("session ended with error", "err", err)
		}
	}()
	return s, true
}

func linkedChannelNames(links []channel.LinkedChannel) []string {
	out := make([]string, 0, len(links))
	for _, l := range links {
		out = append(out, l.DeviceName)
	}
	sort.Strings(out)
	return out
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

var _ session.Handler = (*Node)(nil)
