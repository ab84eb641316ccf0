package trainer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/absmach/fedmesh/pkg/metrics"
	"github.com/absmach/fedmesh/pkg/overlay"
	"github.com/absmach/fedmesh/pkg/protocol"
)

type fakeOverlay struct {
	mu        sync.Mutex
	id        peer.ID
	subs      map[string]chan overlay.Message
	published map[string][][]byte
	unsubbed  []string
}

func newFakeOverlay(id string) *fakeOverlay {
	return &fakeOverlay{
		id:        peer.ID(id),
		subs:      make(map[string]chan overlay.Message),
		published: make(map[string][][]byte),
	}
}

func (f *fakeOverlay) ID() peer.ID { return f.id }

func (f *fakeOverlay) Connect(context.Context, string) error { return nil }

func (f *fakeOverlay) Subscribe(_ context.Context, topic string) (*overlay.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.subs[topic]
	if !ok {
		ch = make(chan overlay.Message, 16)
		f.subs[topic] = ch
	}

	return &overlay.Subscription{Topic: topic, Messages: ch}, nil
}

func (f *fakeOverlay) Publish(_ context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], payload)

	return nil
}

func (f *fakeOverlay) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unsubbed = append(f.unsubbed, topic)
	if ch, ok := f.subs[topic]; ok {
		close(ch)
		delete(f.subs, topic)
	}

	return nil
}

func (f *fakeOverlay) Mesh(string) []peer.ID { return nil }

func (f *fakeOverlay) Topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	topics := make([]string, 0, len(f.subs))
	for name := range f.subs {
		topics = append(topics, name)
	}

	return topics
}

func (f *fakeOverlay) Peers() []peer.ID { return nil }

func (f *fakeOverlay) LocalAddrs() []string { return []string{"/ip4/127.0.0.1/tcp/1"} }

func (f *fakeOverlay) deliver(topic string, msg overlay.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.subs[topic]
	if !ok {
		return false
	}
	ch <- msg

	return true
}

type submission struct {
	taskID uint64
	hash   string
}

type fakeLedger struct {
	mu          sync.Mutex
	submissions []submission
	err         error
}

func (f *fakeLedger) SubmitWeights(_ context.Context, taskID uint64, weightsHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.submissions = append(f.submissions, submission{taskID: taskID, hash: weightsHash})

	return nil
}

func (f *fakeLedger) PublishLog(context.Context, string) error { return nil }

func (f *fakeLedger) submitted() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]submission, len(f.submissions))
	copy(out, f.submissions)

	return out
}

type fakeStore struct {
	mu       sync.Mutex
	uploaded map[string][]byte
}

func (f *fakeStore) Upload(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploaded == nil {
		f.uploaded = make(map[string][]byte)
	}
	f.uploaded[hash] = data

	return hash, nil
}

func (f *fakeStore) PresignGet(_ context.Context, hash string, _ time.Duration) (string, error) {
	return "https://store/bucket/" + hash + "?sig=test", nil
}

// echoRuntime echoes the chunk body so tests can tell which chunk a
// submission came from.
type echoRuntime struct{}

func (echoRuntime) Train(_ context.Context, _, datasetPath string) ([]byte, error) {
	data, err := os.ReadFile(datasetPath)
	if err != nil {
		return nil, err
	}

	return append([]byte("weights:"), data...), nil
}

type trainerHarness struct {
	svc     *Service
	overlay *fakeOverlay
	ledger  *fakeLedger
	store   *fakeStore
	server  *httptest.Server
}

// newTrainerHarness serves a model and chunkCount chunks over HTTP and
// wires a trainer service over fakes.
func newTrainerHarness(t *testing.T, chunkCount int) *trainerHarness {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/model", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "model-bytes")
	})
	mux.HandleFunc("/chunk/", func(w http.ResponseWriter, r *http.Request) {
		idx := strings.TrimPrefix(r.URL.Path, "/chunk/")
		_, _ = io.WriteString(w, "id,label\nchunk-"+idx+"\n")
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/manifest", func(w http.ResponseWriter, _ *http.Request) {
		urls := make([]string, chunkCount)
		for i := range urls {
			urls[i] = fmt.Sprintf("%s/chunk/%d", server.URL, i)
		}
		_, _ = io.WriteString(w, strings.Join(urls, ","))
	})

	ovl := newFakeOverlay("trainer-self")
	led := &fakeLedger{}
	store := &fakeStore{}

	svc := NewService(ovl, led, store, echoRuntime{}, metrics.New(prometheus.NewRegistry()),
		t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	return &trainerHarness{svc: svc, overlay: ovl, ledger: led, store: store, server: server}
}

func (h *trainerHarness) assignRaw(t *testing.T, taskID uint64, assignments []protocol.ChunkAssignment) []byte {
	t.Helper()

	raw, err := protocol.Wrap(protocol.TagAssign, "client-peer", taskID, protocol.Assign{
		ModelURL:    h.server.URL + "/model",
		ManifestURL: h.server.URL + "/manifest",
		Assignments: assignments,
	})
	if err != nil {
		t.Fatal(err)
	}

	return raw
}

func (h *trainerHarness) workStates() map[string]string {
	result, _ := h.svc.Execute(context.Background(), "status", nil)

	return result.(map[string]any)["rounds"].(map[string]string)
}

func waitForTrainer(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAssignTrainsAndSubmitsSequentially(t *testing.T) {
	h := newTrainerHarness(t, 3)
	self := h.overlay.ID().String()

	if err := h.svc.Join(context.Background(), "5"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	raw := h.assignRaw(t, 5, []protocol.ChunkAssignment{
		{ChunkIndex: 0, TrainerID: self},
		{ChunkIndex: 1, TrainerID: "someone-else"},
		{ChunkIndex: 2, TrainerID: self},
	})
	h.overlay.deliver("5", overlay.Message{From: peer.ID("client-peer"), Data: raw})

	waitForTrainer(t, "both chunks submitted", func() bool {
		return len(h.ledger.submitted()) == 2
	})

	subs := h.ledger.submitted()
	for _, sub := range subs {
		if sub.taskID != 5 {
			t.Errorf("Expected submissions for task 5, got %d", sub.taskID)
		}
		h.store.mu.Lock()
		weights, ok := h.store.uploaded[sub.hash]
		h.store.mu.Unlock()
		if !ok {
			t.Errorf("Submitted hash %s was never uploaded", sub.hash)
		} else if !strings.HasPrefix(string(weights), "weights:id,label") {
			t.Errorf("Uploaded weights do not come from the runtime: %q", weights)
		}
	}

	// Chunks are processed in assignment order.
	if !strings.Contains(string(h.store.uploaded[subs[0].hash]), "chunk-0") {
		t.Error("Expected chunk 0 to be trained first")
	}
	if !strings.Contains(string(h.store.uploaded[subs[1].hash]), "chunk-2") {
		t.Error("Expected chunk 2 to be trained second")
	}

	// The round topic is left after all assigned chunks settle.
	waitForTrainer(t, "round topic left", func() bool {
		h.overlay.mu.Lock()
		defer h.overlay.mu.Unlock()

		return len(h.overlay.unsubbed) == 1 && h.overlay.unsubbed[0] == "5"
	})
}

func TestRetransmittedAssignIsNoOp(t *testing.T) {
	h := newTrainerHarness(t, 1)
	self := h.overlay.ID().String()

	if err := h.svc.Join(context.Background(), "6"); err != nil {
		t.Fatal(err)
	}

	raw := h.assignRaw(t, 6, []protocol.ChunkAssignment{{ChunkIndex: 0, TrainerID: self}})
	h.overlay.deliver("6", overlay.Message{From: peer.ID("client-peer"), Data: raw})
	h.overlay.deliver("6", overlay.Message{From: peer.ID("client-peer"), Data: raw})

	waitForTrainer(t, "chunk submitted", func() bool {
		return len(h.ledger.submitted()) == 1
	})

	// Give a replay time to (incorrectly) trigger a second run.
	time.Sleep(100 * time.Millisecond)
	if got := len(h.ledger.submitted()); got != 1 {
		t.Fatalf("Identical retransmission must be a no-op, got %d submissions", got)
	}
}

func TestManifestChunkMismatchStopsWork(t *testing.T) {
	h := newTrainerHarness(t, 1) // manifest has 1 entry
	self := h.overlay.ID().String()

	if err := h.svc.Join(context.Background(), "7"); err != nil {
		t.Fatal(err)
	}

	// The assignment covers two chunks, contradicting the manifest.
	raw := h.assignRaw(t, 7, []protocol.ChunkAssignment{
		{ChunkIndex: 0, TrainerID: self},
		{ChunkIndex: 1, TrainerID: self},
	})
	h.overlay.deliver("7", overlay.Message{From: peer.ID("client-peer"), Data: raw})

	waitForTrainer(t, "round abandoned", func() bool {
		h.overlay.mu.Lock()
		defer h.overlay.mu.Unlock()

		return len(h.overlay.unsubbed) == 1
	})

	if got := len(h.ledger.submitted()); got != 0 {
		t.Fatalf("No chunk may be trained against a mismatched manifest, got %d submissions", got)
	}

	var mismatchLogged bool
	h.overlay.mu.Lock()
	logs := make([][]byte, len(h.overlay.published[protocol.DiscoveryTopic]))
	copy(logs, h.overlay.published[protocol.DiscoveryTopic])
	h.overlay.mu.Unlock()
	for _, raw := range logs {
		if env, err := protocol.Unwrap(raw); err == nil && env.Tag == protocol.TagLog {
			var entry protocol.Log
			if env.Decode(&entry) == nil && strings.Contains(entry.Message, "chunk count mismatch") {
				mismatchLogged = true
			}
		}
	}
	if !mismatchLogged {
		t.Error("Expected the mismatch to be signalled on the log channel")
	}
}

func TestAssignForOthersIgnored(t *testing.T) {
	h := newTrainerHarness(t, 2)

	if err := h.svc.Join(context.Background(), "8"); err != nil {
		t.Fatal(err)
	}

	raw := h.assignRaw(t, 8, []protocol.ChunkAssignment{
		{ChunkIndex: 0, TrainerID: "someone-else"},
		{ChunkIndex: 1, TrainerID: "another-peer"},
	})
	h.overlay.deliver("8", overlay.Message{From: peer.ID("client-peer"), Data: raw})

	time.Sleep(100 * time.Millisecond)
	if got := len(h.ledger.submitted()); got != 0 {
		t.Fatalf("Expected no submissions for foreign assignments, got %d", got)
	}
	if state := h.workStates()["8"]; state != "Joined" {
		t.Errorf("Expected to stay Joined, got %q", state)
	}
}

func TestJoinIsIdempotentAndLeaveRequiresJoin(t *testing.T) {
	h := newTrainerHarness(t, 1)

	if err := h.svc.Join(context.Background(), "9"); err != nil {
		t.Fatal(err)
	}
	if err := h.svc.Join(context.Background(), "9"); err != nil {
		t.Fatalf("Repeated join must be a no-op, got %v", err)
	}

	if err := h.svc.Leave(context.Background(), "9"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}
	if err := h.svc.Leave(context.Background(), "9"); err == nil {
		t.Error("Leaving an unjoined topic must fail")
	}
}
