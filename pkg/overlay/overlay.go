package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"

	pkgerrors "github.com/absmach/fedmesh/pkg/errors"
)

const (
	dialBackoffBase = 1 * time.Second
	dialBackoffCap  = 30 * time.Second

	connLowWater  = 32
	connHighWater = 192

	subscriptionBuffer = 64
)

var (
	errEmptyTopic = errors.New("empty topic")
	errNotJoined  = errors.New("not subscribed to topic")
)

// Message is one pubsub delivery: the publisher's peer ID and the opaque
// payload. Ordering is per-sender FIFO; duplicates are possible and must be
// tolerated by receivers.
type Message struct {
	From peer.ID
	Data []byte
}

// Subscription streams messages for a single topic.
type Subscription struct {
	Topic    string
	Messages <-chan Message
	cancel   func()
}

// Close stops the subscription's delivery loop. The overlay keeps the topic
// joined until Unsubscribe.
func (s *Subscription) Close() {
	s.cancel()
}

// PeerEvent reports a connection-level membership change, consumed by the
// bootstrap directory.
type PeerEvent struct {
	Peer      peer.ID
	Addr      string
	Connected bool
}

// Overlay is the authenticated peer connectivity and topic-scoped pubsub
// layer shared by every role.
type Overlay struct {
	host   host.Host
	pubsub *pubsub.PubSub
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*Subscription

	peerEvents chan PeerEvent
}

// New builds the libp2p host (TCP transport, Noise security, connection
// manager) and attaches a gossipsub router. The listen port is fixed for
// bootstrap nodes and ephemeral for clients and trainers.
func New(ctx context.Context, identity crypto.PrivKey, nodeIP string, port int, logger *slog.Logger) (*Overlay, error) {
	cm, err := connmgr.NewConnManager(connLowWater, connHighWater, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	listenAddr := fmt.Sprintf("/ip4/%s/tcp/%d", nodeIP, port)

	h, err := libp2p.New(
		libp2p.Identity(identity),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.ConnectionManager(cm),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Transport(tcp.NewTCPTransport),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()

		return nil, fmt.Errorf("failed to create gossipsub router: %w", err)
	}

	o := &Overlay{
		host:       h,
		pubsub:     ps,
		logger:     logger,
		topics:     make(map[string]*pubsub.Topic),
		subs:       make(map[string]*Subscription),
		peerEvents: make(chan PeerEvent, subscriptionBuffer),
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, conn network.Conn) {
			logger.Info("peer connected",
				slog.String("peer", conn.RemotePeer().String()),
				slog.String("addr", conn.RemoteMultiaddr().String()))
			o.emitPeerEvent(PeerEvent{Peer: conn.RemotePeer(), Addr: conn.RemoteMultiaddr().String(), Connected: true})
		},
		DisconnectedF: func(_ network.Network, conn network.Conn) {
			logger.Info("peer disconnected", slog.String("peer", conn.RemotePeer().String()))
			o.emitPeerEvent(PeerEvent{Peer: conn.RemotePeer(), Connected: false})
		},
	})

	logger.Info("overlay host started",
		slog.String("peer_id", h.ID().String()),
		slog.Any("addrs", h.Addrs()))

	return o, nil
}

func (o *Overlay) emitPeerEvent(ev PeerEvent) {
	select {
	case o.peerEvents <- ev:
	default:
		// The directory consumer is behind; membership converges on the
		// next connect or disconnect for the same peer.
	}
}

// PeerEvents exposes connection-level membership changes.
func (o *Overlay) PeerEvents() <-chan PeerEvent {
	return o.peerEvents
}

// ID is the local peer identifier derived from the persistent identity.
func (o *Overlay) ID() peer.ID {
	return o.host.ID()
}

// Connect dials the given multi-address, retrying with exponential backoff
// until the context is cancelled. Dialing an already-connected peer is a
// no-op.
func (o *Overlay) Connect(ctx context.Context, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("failed to parse multiaddr %q: %w", addr, err)
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("failed to extract peer info from %q: %w", addr, err)
	}

	backoff := dialBackoffBase
	for {
		if err = o.host.Connect(ctx, *info); err == nil {
			return nil
		}

		o.logger.Warn("dial failed, retrying",
			slog.String("peer", info.ID.String()),
			slog.Duration("backoff", backoff),
			slog.Any("error", err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("dial %s: %w", addr, errors.Join(err, ctx.Err()))
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > dialBackoffCap {
			backoff = dialBackoffCap
		}
	}
}

// ConnectOnce dials without retrying. Used for the startup bootstrap dial,
// where failure is fatal.
func (o *Overlay) ConnectOnce(ctx context.Context, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("failed to parse multiaddr %q: %w", addr, err)
	}

	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("failed to extract peer info from %q: %w", addr, err)
	}

	return o.host.Connect(ctx, *info)
}

func (o *Overlay) joinLocked(topic string) (*pubsub.Topic, error) {
	if t, ok := o.topics[topic]; ok {
		return t, nil
	}

	t, err := o.pubsub.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %q: %w", topic, err)
	}
	o.topics[topic] = t

	return t, nil
}

// Subscribe joins the topic and returns a stream of messages in arrival
// order. Subscribing twice to the same topic returns the existing stream.
func (o *Overlay) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if topic == "" {
		return nil, errEmptyTopic
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if s, ok := o.subs[topic]; ok {
		return s, nil
	}

	t, err := o.joinLocked(topic)
	if err != nil {
		return nil, err
	}

	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %q: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Message, subscriptionBuffer)

	s := &Subscription{Topic: topic, Messages: out, cancel: cancel}
	o.subs[topic] = s

	go func() {
		defer close(out)
		defer sub.Cancel()

		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}

			from := msg.GetFrom()
			if from == o.host.ID() {
				continue
			}

			select {
			case out <- Message{From: from, Data: msg.Data}:
			case <-subCtx.Done():
				return
			}
		}
	}()

	return s, nil
}

// Publish broadcasts to the topic's mesh members. Delivery is best-effort
// and never acknowledged end-to-end. Publishing into an empty mesh returns
// ErrNoPeers so callers can retry once membership converges.
func (o *Overlay) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errEmptyTopic
	}

	o.mu.Lock()
	t, err := o.joinLocked(topic)
	o.mu.Unlock()
	if err != nil {
		return err
	}

	if len(t.ListPeers()) == 0 {
		return fmt.Errorf("%w: %q", pkgerrors.ErrNoPeers, topic)
	}

	return t.Publish(ctx, payload)
}

// Unsubscribe closes the topic's subscription and leaves its mesh.
func (o *Overlay) Unsubscribe(topic string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.subs[topic]
	if !ok {
		return errNotJoined
	}

	s.cancel()
	delete(o.subs, topic)

	if t, ok := o.topics[topic]; ok {
		if err := t.Close(); err != nil {
			o.logger.Warn("failed to close topic", slog.String("topic", topic), slog.Any("error", err))
		}
		delete(o.topics, topic)
	}

	return nil
}

// Mesh is the local, eventually consistent view of a topic's membership.
func (o *Overlay) Mesh(topic string) []peer.ID {
	o.mu.Lock()
	t, ok := o.topics[topic]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	return t.ListPeers()
}

// Topics lists the locally subscribed topic names.
func (o *Overlay) Topics() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	topics := make([]string, 0, len(o.subs))
	for name := range o.subs {
		topics = append(topics, name)
	}

	return topics
}

// Peers lists the currently connected peer identifiers.
func (o *Overlay) Peers() []peer.ID {
	return o.host.Network().Peers()
}

// LocalAddrs lists the host's reachable multi-addresses, including the
// /p2p suffix other nodes dial.
func (o *Overlay) LocalAddrs() []string {
	var addrs []string
	for _, a := range o.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, o.host.ID()))
	}

	return addrs
}

// Close drains subscriptions and shuts the host down.
func (o *Overlay) Close() error {
	o.mu.Lock()
	for name, s := range o.subs {
		s.cancel()
		delete(o.subs, name)
	}
	for name, t := range o.topics {
		_ = t.Close()
		delete(o.topics, name)
	}
	o.mu.Unlock()

	return o.host.Close()
}
