package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"

	pkgerrors "github.com/absmach/fedmesh/pkg/errors"
	"github.com/absmach/fedmesh/pkg/metrics"
	"github.com/absmach/fedmesh/pkg/overlay"
	"github.com/absmach/fedmesh/pkg/protocol"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewService(nil, metrics.New(prometheus.NewRegistry()), logger)
}

func TestDirectoryLifecycle(t *testing.T) {
	svc := newTestService(t)
	p := peer.ID("trainer-1")

	svc.handlePeerEvent(overlay.PeerEvent{Peer: p, Addr: "/ip4/10.0.0.2/tcp/4001", Connected: true})

	records := svc.Snapshot()
	if len(records) != 1 {
		t.Fatalf("Expected 1 record after connect, got %d", len(records))
	}
	if records[0].Role != protocol.RoleUnknown {
		t.Errorf("Expected role Unknown before announcement, got %q", records[0].Role)
	}

	raw, err := protocol.Wrap(protocol.TagAnnounceRole, p.String(), 0, protocol.AnnounceRole{
		Role:   protocol.RoleTrainer,
		Topics: []string{protocol.DiscoveryTopic, "42"},
	})
	if err != nil {
		t.Fatal(err)
	}
	svc.handleMessage(overlay.Message{From: p, Data: raw})

	records = svc.Snapshot()
	if len(records) != 1 {
		t.Fatalf("Expected exactly one record per identifier, got %d", len(records))
	}
	if records[0].Role != protocol.RoleTrainer {
		t.Errorf("Expected role trainer after announcement, got %q", records[0].Role)
	}
	if len(records[0].Topics) != 2 {
		t.Errorf("Expected 2 topics, got %v", records[0].Topics)
	}

	svc.handlePeerEvent(overlay.PeerEvent{Peer: p, Connected: false})
	if got := svc.Snapshot(); len(got) != 0 {
		t.Errorf("Expected empty directory after disconnect, got %d records", len(got))
	}
}

func TestRoleReannouncementOverwrites(t *testing.T) {
	svc := newTestService(t)
	p := peer.ID("node-1")

	svc.handlePeerEvent(overlay.PeerEvent{Peer: p, Connected: true})

	first, _ := protocol.Wrap(protocol.TagAnnounceRole, p.String(), 0, protocol.AnnounceRole{Role: protocol.RoleTrainer})
	svc.handleMessage(overlay.Message{From: p, Data: first})

	second, _ := protocol.Wrap(protocol.TagAnnounceRole, p.String(), 0, protocol.AnnounceRole{
		Role:   protocol.RoleTrainer,
		Topics: []string{"7"},
	})
	svc.handleMessage(overlay.Message{From: p, Data: second})

	records := svc.Snapshot()
	if len(records) != 1 {
		t.Fatalf("Expected one role per identifier within a snapshot, got %d records", len(records))
	}
	if len(records[0].Topics) != 1 || records[0].Topics[0] != "7" {
		t.Errorf("Expected topic membership to follow the latest announcement, got %v", records[0].Topics)
	}
}

func TestMalformedMessagesDropped(t *testing.T) {
	svc := newTestService(t)
	p := peer.ID("node-1")

	svc.handleMessage(overlay.Message{From: p, Data: []byte("not-json")})
	svc.handleMessage(overlay.Message{From: p, Data: []byte(`{"tag":"announce_role","from":"x","payload":{"role":"miner"}}`)})

	if got := svc.Snapshot(); len(got) != 0 {
		t.Errorf("Malformed and invalid messages must not create records, got %d", len(got))
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Execute(context.Background(), "train", nil)
	if !errors.Is(err, pkgerrors.ErrUnknownCommand) {
		t.Errorf("Expected ErrUnknownCommand, got %v", err)
	}
}

func TestExecuteMeshSnapshot(t *testing.T) {
	svc := newTestService(t)
	p := peer.ID("node-1")
	svc.handlePeerEvent(overlay.PeerEvent{Peer: p, Addr: "/ip4/10.0.0.3/tcp/4001", Connected: true})

	result, err := svc.Execute(context.Background(), "mesh", nil)
	if err != nil {
		t.Fatalf("mesh command failed: %v", err)
	}

	records, ok := result.([]PeerRecord)
	if !ok {
		t.Fatalf("Expected []PeerRecord, got %T", result)
	}
	if len(records) != 1 {
		t.Errorf("Expected 1 record, got %d", len(records))
	}
}
