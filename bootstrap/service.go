package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	pkgerrors "github.com/absmach/fedmesh/pkg/errors"
	"github.com/absmach/fedmesh/pkg/metrics"
	"github.com/absmach/fedmesh/pkg/overlay"
	"github.com/absmach/fedmesh/pkg/protocol"
)

// PeerRecord is the directory entry for one connected peer. Exactly one
// role per identifier within a snapshot; the role starts Unknown and is set
// by the peer's announcement.
type PeerRecord struct {
	ID       string    `json:"id"`
	Role     string    `json:"role"`
	Topics   []string  `json:"topics"`
	Addr     string    `json:"addr,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Service is the rendezvous node. It accepts inbound connections, keeps
// the directory of active peers and their mesh memberships, and serves the
// admin command surface. It holds no training state.
type Service struct {
	overlay *overlay.Overlay
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	directory map[peer.ID]PeerRecord
}

// NewService wires the bootstrap role over an already-started overlay.
func NewService(ovl *overlay.Overlay, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		overlay:   ovl,
		logger:    logger,
		metrics:   m,
		directory: make(map[peer.ID]PeerRecord),
	}
}

// Run subscribes to the discovery topic, announces the bootstrap role and
// serves directory updates until the context is cancelled. The overlay
// task is the directory's single writer; command handlers only read
// snapshots.
func (s *Service) Run(ctx context.Context) error {
	sub, err := s.overlay.Subscribe(ctx, protocol.DiscoveryTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to discovery topic: %w", err)
	}

	announce, err := protocol.Wrap(protocol.TagAnnounceRole, s.overlay.ID().String(), 0, protocol.AnnounceRole{
		Role:   protocol.RoleBootstrap,
		Topics: s.overlay.Topics(),
	})
	if err != nil {
		return err
	}
	switch err := s.overlay.Publish(ctx, protocol.DiscoveryTopic, announce); {
	case errors.Is(err, pkgerrors.ErrNoPeers):
		// Expected: the bootstrap starts alone. The announcement is made
		// once and is not repeated as the directory fills.
		s.logger.Debug("role announcement deferred", slog.Any("error", err))
	case err != nil:
		s.logger.Warn("failed to announce bootstrap role", slog.Any("error", err))
	}

	s.logger.Info("bootstrap service is running",
		slog.String("peer_id", s.overlay.ID().String()))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping bootstrap service")

			return nil

		case ev := <-s.overlay.PeerEvents():
			s.handlePeerEvent(ev)

		case msg, ok := <-sub.Messages:
			if !ok {
				return nil
			}
			s.handleMessage(msg)
		}
	}
}

func (s *Service) handlePeerEvent(ev overlay.PeerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ev.Connected {
		delete(s.directory, ev.Peer)
		s.metrics.MeshPeers.Set(float64(len(s.directory)))

		return
	}

	if _, exists := s.directory[ev.Peer]; !exists {
		s.directory[ev.Peer] = PeerRecord{
			ID:       ev.Peer.String(),
			Role:     protocol.RoleUnknown,
			Addr:     ev.Addr,
			LastSeen: time.Now(),
		}
	}
	s.metrics.MeshPeers.Set(float64(len(s.directory)))
}

func (s *Service) handleMessage(msg overlay.Message) {
	env, err := protocol.Unwrap(msg.Data)
	if err != nil {
		s.logger.Debug("dropping malformed message", slog.Any("error", err))

		return
	}

	switch env.Tag {
	case protocol.TagAnnounceRole:
		var ann protocol.AnnounceRole
		if err := env.Decode(&ann); err != nil {
			s.logger.Debug("dropping malformed announcement", slog.Any("error", err))

			return
		}
		if err := ann.Validate(); err != nil {
			s.logger.Debug("dropping invalid announcement", slog.Any("error", err))

			return
		}

		s.mu.Lock()
		rec, exists := s.directory[msg.From]
		if !exists {
			rec = PeerRecord{ID: msg.From.String()}
		}
		rec.Role = ann.Role
		rec.Topics = ann.Topics
		rec.LastSeen = time.Now()
		s.directory[msg.From] = rec
		s.mu.Unlock()

		s.logger.Info("peer announced role",
			slog.String("peer", msg.From.String()),
			slog.String("role", ann.Role),
			slog.Any("topics", ann.Topics))

	case protocol.TagAdvertise:
		s.logger.Info("task advertised",
			slog.String("client", msg.From.String()),
			slog.Uint64("task_id", env.TaskID))

	case protocol.TagLog:
		var entry protocol.Log
		if err := env.Decode(&entry); err == nil {
			s.logger.Info("peer log",
				slog.String("peer", msg.From.String()),
				slog.String("message", entry.Message))
		}
	}
}

// Snapshot returns a consistent copy of the directory.
func (s *Service) Snapshot() []PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]PeerRecord, 0, len(s.directory))
	for _, rec := range s.directory {
		records = append(records, rec)
	}

	return records
}

// Execute serves the admin command surface.
func (s *Service) Execute(ctx context.Context, cmd string, args []string) (any, error) {
	switch cmd {
	case "mesh", "bootmesh":
		return s.Snapshot(), nil
	case "peers":
		ids := make([]string, 0)
		for _, p := range s.overlay.Peers() {
			ids = append(ids, p.String())
		}

		return ids, nil
	case "local":
		return s.overlay.LocalAddrs(), nil
	case "topics":
		return s.overlay.Topics(), nil
	case "status":
		return map[string]any{
			"role":  protocol.RoleBootstrap,
			"peers": len(s.Snapshot()),
		}, nil
	case "connect":
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: connect requires a multiaddr", pkgerrors.ErrInvalidArgs)
		}

		return nil, s.overlay.Connect(ctx, args[0])
	default:
		return nil, fmt.Errorf("%w: %q", pkgerrors.ErrUnknownCommand, cmd)
	}
}

// GeneratePresignedURL is not available on a bootstrap node; it holds no
// object-store credentials.
func (s *Service) GeneratePresignedURL(ctx context.Context, hash string) (string, error) {
	return "", fmt.Errorf("%w: presign", pkgerrors.ErrUnknownCommand)
}
