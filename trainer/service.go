package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/absmach/fedmesh/pkg/crypto"
	pkgerrors "github.com/absmach/fedmesh/pkg/errors"
	"github.com/absmach/fedmesh/pkg/metrics"
	"github.com/absmach/fedmesh/pkg/objstore"
	"github.com/absmach/fedmesh/pkg/overlay"
	"github.com/absmach/fedmesh/pkg/protocol"
)

const downloadTimeout = 30 * time.Second

var errNotJoined = errors.New("not joined to topic")

// Overlay is the slice of the peer overlay the trainer drives.
type Overlay interface {
	ID() peer.ID
	Connect(ctx context.Context, addr string) error
	Subscribe(ctx context.Context, topic string) (*overlay.Subscription, error)
	Publish(ctx context.Context, topic string, payload []byte) error
	Unsubscribe(topic string) error
	Mesh(topic string) []peer.ID
	Topics() []string
	Peers() []peer.ID
	LocalAddrs() []string
}

// Ledger is the contract surface the trainer submits through.
type Ledger interface {
	SubmitWeights(ctx context.Context, taskID uint64, weightsHash string) error
	PublishLog(ctx context.Context, message string) error
}

// Store is the object-store slice the trainer needs: uploading weights and
// minting signed URLs on request.
type Store interface {
	Upload(ctx context.Context, data []byte) (string, error)
	PresignGet(ctx context.Context, hash string, ttl time.Duration) (string, error)
}

// workState is the per-topic training state.
type workState uint8

const (
	joined workState = iota
	working
	submitted
)

func (s workState) String() string {
	switch s {
	case joined:
		return "Joined"
	case working:
		return "Working"
	case submitted:
		return "Submitted"
	default:
		return "Unknown"
	}
}

// topicWork tracks one round this trainer participates in. A trainer may
// be joined to several round topics at once; chunks within one topic are
// processed sequentially.
type topicWork struct {
	taskID  uint64
	state   workState
	chunk   uint64
	dedup   *protocol.Dedup
	started bool
}

// Service is the trainer role: it joins advertised rounds, pulls assigned
// chunks and the model artifact from the object store, executes the model
// and settles each chunk on the contract.
type Service struct {
	overlay    Overlay
	ledger     Ledger
	store      Store
	runtime    Runtime
	metrics    *metrics.Metrics
	logger     *slog.Logger
	sessionKey crypto.SessionKey

	workDir    string
	httpClient *http.Client

	mu   sync.Mutex
	work map[string]*topicWork

	runCtx context.Context
}

// NewService wires the trainer role.
func NewService(
	ovl Overlay,
	ledgerClient Ledger,
	store Store,
	runtime Runtime,
	m *metrics.Metrics,
	workDir string,
	logger *slog.Logger,
) *Service {
	return &Service{
		overlay:    ovl,
		ledger:     ledgerClient,
		store:      store,
		runtime:    runtime,
		metrics:    m,
		logger:     logger,
		sessionKey: crypto.NewIdentitySessionKey(),
		workDir:    workDir,
		httpClient: &http.Client{Timeout: downloadTimeout},
		work:       make(map[string]*topicWork),
	}
}

// Run joins the discovery topic, announces the trainer role and serves
// round messages until the context is cancelled. Chunk work runs on its own
// background context, so cancelling ctx does not interrupt it; Run returns
// without waiting for that work to finish.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	sub, err := s.overlay.Subscribe(ctx, protocol.DiscoveryTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to discovery topic: %w", err)
	}

	s.announce(ctx)
	s.logger.Info("trainer service is running",
		slog.String("peer_id", s.overlay.ID().String()))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopping trainer service")

			return nil

		case msg, ok := <-sub.Messages:
			if !ok {
				return nil
			}
			s.handleDiscovery(ctx, msg)
		}
	}
}

func (s *Service) announce(ctx context.Context) {
	data, err := protocol.Wrap(protocol.TagAnnounceRole, s.overlay.ID().String(), 0, protocol.AnnounceRole{
		Role:   protocol.RoleTrainer,
		Topics: s.overlay.Topics(),
	})
	if err != nil {
		return
	}
	switch err := s.overlay.Publish(ctx, protocol.DiscoveryTopic, data); {
	case errors.Is(err, pkgerrors.ErrNoPeers):
		s.logger.Debug("role announcement deferred", slog.Any("error", err))
	case err != nil:
		s.metrics.PublishFailures.Inc()
		s.logger.Warn("failed to announce role", slog.Any("error", err))
	}
}

func (s *Service) handleDiscovery(ctx context.Context, msg overlay.Message) {
	env, err := protocol.Unwrap(msg.Data)
	if err != nil {
		return
	}

	if env.Tag == protocol.TagAdvertise {
		s.logger.Info("task advertised",
			slog.String("client", msg.From.String()),
			slog.Uint64("task_id", env.TaskID))
	}
}

// Join subscribes to a round topic and starts listening for the Assign
// message. Idempotent per topic.
func (s *Service) Join(ctx context.Context, topic string) error {
	s.mu.Lock()
	if _, exists := s.work[topic]; exists {
		s.mu.Unlock()

		return nil
	}

	taskID, _ := strconv.ParseUint(topic, 10, 64)
	w := &topicWork{taskID: taskID, state: joined, dedup: protocol.NewDedup()}
	s.work[topic] = w
	subCtx := s.runCtx
	s.mu.Unlock()

	if subCtx == nil {
		subCtx = context.Background()
	}

	sub, err := s.overlay.Subscribe(subCtx, topic)
	if err != nil {
		s.mu.Lock()
		delete(s.work, topic)
		s.mu.Unlock()

		return err
	}

	go s.consumeRound(topic, sub)
	s.announce(ctx)
	s.logger.Info("joined round topic", slog.String("topic", topic))

	return nil
}

// Leave unsubscribes from a round topic and drops its work state.
func (s *Service) Leave(ctx context.Context, topic string) error {
	s.mu.Lock()
	_, exists := s.work[topic]
	delete(s.work, topic)
	s.mu.Unlock()

	if !exists {
		return errNotJoined
	}

	if err := s.overlay.Unsubscribe(topic); err != nil {
		return err
	}
	s.announce(ctx)

	return nil
}

func (s *Service) consumeRound(topic string, sub *overlay.Subscription) {
	for msg := range sub.Messages {
		env, err := protocol.Unwrap(msg.Data)
		if err != nil {
			s.logger.Debug("dropping malformed round message", slog.Any("error", err))

			continue
		}

		s.mu.Lock()
		w, exists := s.work[topic]
		if !exists {
			s.mu.Unlock()

			return
		}
		duplicate := w.dedup.Seen(env.Key())
		s.mu.Unlock()

		if duplicate {
			// Retransmitted Assign with identical contents is a no-op.
			continue
		}

		switch env.Tag {
		case protocol.TagAssign:
			var assign protocol.Assign
			if err := env.Decode(&assign); err != nil || assign.Validate() != nil {
				s.logger.Warn("dropping invalid assignment", slog.Any("error", err))

				continue
			}
			s.startWork(topic, env.TaskID, assign)

		case protocol.TagSubmitAck:
			var ack protocol.SubmitAck
			if err := env.Decode(&ack); err == nil {
				s.logger.Debug("submission acknowledged",
					slog.Uint64("chunk", ack.ChunkIndex),
					slog.String("weights_hash", ack.WeightsHash))
			}
		}
	}
}

// startWork launches the sequential chunk loop for one Assign. Only the
// first Assign starts work; the dedup above absorbs identical
// retransmissions and a changed re-assignment for an already-working topic
// is ignored.
func (s *Service) startWork(topic string, taskID uint64, assign protocol.Assign) {
	mine := protocol.ChunksFor(assign.Assignments, s.overlay.ID().String())
	if len(mine) == 0 {
		s.logger.Info("no chunks assigned to this trainer", slog.String("topic", topic))

		return
	}

	s.mu.Lock()
	w, exists := s.work[topic]
	if !exists || w.started {
		s.mu.Unlock()

		return
	}
	w.started = true
	w.state = working
	s.mu.Unlock()

	go s.trainChunks(topic, taskID, assign, mine)
}

func (s *Service) trainChunks(topic string, taskID uint64, assign protocol.Assign, mine []uint64) {
	// Chunk work runs on a background context so an in-flight ledger
	// submission survives control-plane shutdown.
	ctx := context.Background()

	s.logHuman(taskID, fmt.Sprintf("starting training: %d chunks assigned", len(mine)))

	manifest, err := s.download(ctx, assign.ManifestURL)
	if err != nil {
		s.logHuman(taskID, fmt.Sprintf("failed to fetch dataset manifest: %s", err))

		return
	}
	chunkURLs := objstore.ParseManifest(manifest)

	// The assignment covers chunk indexes [0, totalChunks); a manifest
	// with a different entry count violates the task invariant, so no
	// chunk is trained against it.
	if len(chunkURLs) != len(assign.Assignments) {
		s.logHuman(taskID, fmt.Sprintf("%s: manifest has %d entries, assignment covers %d chunks",
			pkgerrors.ErrChunkMismatch, len(chunkURLs), len(assign.Assignments)))
		if err := s.Leave(ctx, topic); err != nil && !errors.Is(err, errNotJoined) {
			s.logger.Debug("failed to leave round topic", slog.Any("error", err))
		}

		return
	}

	model, err := s.download(ctx, assign.ModelURL)
	if err != nil {
		s.logHuman(taskID, fmt.Sprintf("failed to fetch model artifact: %s", err))

		return
	}

	for _, idx := range mine {
		if int(idx) >= len(chunkURLs) {
			s.logHuman(taskID, fmt.Sprintf("chunk %d missing from manifest (%d entries)", idx, len(chunkURLs)))

			continue
		}

		s.setChunk(topic, idx)
		if err := s.trainOne(ctx, taskID, idx, chunkURLs[idx], model); err != nil {
			s.logHuman(taskID, fmt.Sprintf("chunk %d failed: %s", idx, err))

			continue
		}

		s.metrics.ChunksTrained.Inc()
	}

	s.mu.Lock()
	if w, exists := s.work[topic]; exists {
		w.state = submitted
	}
	s.mu.Unlock()

	s.logHuman(taskID, "all assigned chunks processed")

	// All chunks for this topic are settled; return to idle for the
	// round while staying on the discovery topic.
	if err := s.Leave(ctx, topic); err != nil && !errors.Is(err, errNotJoined) {
		s.logger.Debug("failed to leave round topic", slog.Any("error", err))
	}
}

func (s *Service) trainOne(ctx context.Context, taskID, chunkIdx uint64, chunkURL string, model []byte) error {
	dir, err := os.MkdirTemp(s.workDir, fmt.Sprintf("task-%d-chunk-%d-*", taskID, chunkIdx))
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	dataset, err := s.download(ctx, chunkURL)
	if err != nil {
		return fmt.Errorf("failed to fetch dataset chunk: %w", err)
	}
	if len(dataset) == 0 {
		return errors.New("downloaded dataset chunk is empty")
	}

	datasetPath := filepath.Join(dir, "dataset.csv")
	if err := os.WriteFile(datasetPath, dataset, 0o600); err != nil {
		return err
	}

	modelPath := filepath.Join(dir, "model")
	if err := os.WriteFile(modelPath, model, 0o700); err != nil {
		return err
	}

	s.logHuman(taskID, fmt.Sprintf("training on chunk %d (%d bytes)", chunkIdx, len(dataset)))

	weights, err := s.runtime.Train(ctx, modelPath, datasetPath)
	if err != nil {
		return err
	}

	hash, err := s.store.Upload(ctx, weights)
	if err != nil {
		return err
	}

	s.logHuman(taskID, fmt.Sprintf("training completed for chunk %d, submitting weights %s", chunkIdx, hash))

	if err := s.ledger.SubmitWeights(ctx, taskID, hash); err != nil {
		return err
	}

	s.logHuman(taskID, fmt.Sprintf("chunk %d settled with weights %s", chunkIdx, hash))

	return nil
}

func (s *Service) setChunk(topic string, idx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, exists := s.work[topic]; exists {
		w.chunk = idx
	}
}

func (s *Service) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %q: %s", url, resp.Status)
	}

	return io.ReadAll(resp.Body)
}

func (s *Service) baseCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runCtx != nil {
		return s.runCtx
	}

	return context.Background()
}

// logHuman records an operator-visible line locally, on the discovery
// topic and on the consensus log topic.
func (s *Service) logHuman(taskID uint64, message string) {
	s.logger.Info(message, slog.Uint64("task_id", taskID))

	data, err := protocol.Wrap(protocol.TagLog, s.overlay.ID().String(), taskID, protocol.Log{Message: message})
	if err == nil {
		if err := s.overlay.Publish(s.baseCtx(), protocol.DiscoveryTopic, data); err != nil && !errors.Is(err, pkgerrors.ErrNoPeers) {
			s.metrics.PublishFailures.Inc()
		}
	}

	go func() {
		_ = s.ledger.PublishLog(context.Background(), message)
	}()
}

// Execute dispatches one control-surface command.
func (s *Service) Execute(ctx context.Context, cmd string, args []string) (any, error) {
	switch cmd {
	case "connect":
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: connect requires a multiaddr", pkgerrors.ErrInvalidArgs)
		}

		return nil, s.overlay.Connect(ctx, args[0])

	case "join":
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: join requires a topic", pkgerrors.ErrInvalidArgs)
		}

		return nil, s.Join(ctx, args[0])

	case "leave":
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: leave requires a topic", pkgerrors.ErrInvalidArgs)
		}

		return nil, s.Leave(ctx, args[0])

	case "publish":
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: publish requires a topic and a message", pkgerrors.ErrInvalidArgs)
		}
		data, err := protocol.Wrap(protocol.TagLog, s.overlay.ID().String(), 0, protocol.Log{Message: args[1]})
		if err != nil {
			return nil, err
		}

		return nil, s.overlay.Publish(ctx, args[0], data)

	case "mesh":
		meshes := make(map[string][]string)
		for _, topic := range s.overlay.Topics() {
			var ids []string
			for _, p := range s.overlay.Mesh(topic) {
				ids = append(ids, p.String())
			}
			meshes[topic] = ids
		}

		return meshes, nil

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
		s.mu.Lock()
		defer s.mu.Unlock()
		states := make(map[string]string, len(s.work))
		for topic, w := range s.work {
			if w.state == working {
				states[topic] = fmt.Sprintf("%s(chunk %d)", w.state, w.chunk)

				continue
			}
			states[topic] = w.state.String()
		}

		return map[string]any{
			"role":   protocol.RoleTrainer,
			"rounds": states,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", pkgerrors.ErrUnknownCommand, cmd)
	}
}

// GeneratePresignedURL resolves a content hash to a fresh signed URL.
func (s *Service) GeneratePresignedURL(ctx context.Context, hash string) (string, error) {
	return s.store.PresignGet(ctx, hash, objstore.DefaultPresignTTL)
}
