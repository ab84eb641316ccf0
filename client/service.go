package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/0x6flab/namegenerator"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/absmach/fedmesh/pkg/crypto"
	pkgerrors "github.com/absmach/fedmesh/pkg/errors"
	"github.com/absmach/fedmesh/pkg/ledger"
	"github.com/absmach/fedmesh/pkg/metrics"
	"github.com/absmach/fedmesh/pkg/objstore"
	"github.com/absmach/fedmesh/pkg/overlay"
	"github.com/absmach/fedmesh/pkg/protocol"
	"github.com/absmach/fedmesh/task"
)

const (
	eventBuffer = 64

	resendBase = 10 * time.Second
	resendCap  = 2 * time.Minute

	bootmeshTimeout = 10 * time.Second
)

var (
	errRoundInProgress = errors.New("a round is already in progress")
	errNoRound         = errors.New("no active round")
	errWrongPhase      = errors.New("command not valid in current phase")

	namegen = namegenerator.NewGenerator()
)

// WeightsRef is one settled chunk's result exposed to the UI: the on-chain
// content hash plus a fresh signed URL minted at settlement time.
type WeightsRef struct {
	ChunkIndex  uint64 `json:"chunk_index"`
	Trainer     string `json:"trainer"`
	WeightsHash string `json:"weights_hash"`
	URL         string `json:"url"`
}

// Overlay is the slice of the peer overlay the client drives.
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

// Ledger is the contract surface the client reads and logs through.
type Ledger interface {
	GetTask(ctx context.Context, taskID uint64) (task.Task, error)
	PublishLog(ctx context.Context, message string) error
}

// EventSource feeds decoded contract events, deduplicated across reads.
type EventSource interface {
	Poll(ctx context.Context, taskID uint64) ([]ledger.Event, error)
	Run(ctx context.Context, taskID uint64, out chan<- ledger.Event)
}

// Store is the object-store slice the client needs: minting fresh signed
// URLs for content hashes.
type Store interface {
	PresignGet(ctx context.Context, hash string, ttl time.Duration) (string, error)
}

// round is the client's ephemeral per-task state. It is owned exclusively
// by the state-machine goroutine and never replicated.
type round struct {
	id       string
	task     task.Task
	topic    string
	phase    Phase
	trainers []string
	chunks   []task.Chunk

	assignRaw  []byte
	sessionKey crypto.SessionKey

	deadline   time.Time
	nextResend time.Time
	backoff    time.Duration

	results []WeightsRef
	dedup   *protocol.Dedup
	cancel  context.CancelFunc
}

// Service is the client role: it originates rounds, assembles trainers,
// distributes chunk assignments and drives settlement. HTTP handlers and
// the ledger poller enqueue events; a single goroutine consumes them, so
// the round state needs no locking.
type Service struct {
	overlay Overlay
	ledger  Ledger
	poller  EventSource
	store   Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	name           string
	bootstrapAdmin string
	roundDeadline  time.Duration

	events       chan func()
	ledgerEvents chan ledger.Event
	httpClient   *http.Client

	cmdMu sync.Mutex

	runCtx context.Context
	roles  map[peer.ID]string
	round  *round

	lastResults []WeightsRef
}

// NewService wires the client role. bootstrapAdmin is the bootstrap node's
// admin HTTP address (host:port) used by the bootmesh command.
func NewService(
	ovl Overlay,
	ledgerClient Ledger,
	poller EventSource,
	store Store,
	m *metrics.Metrics,
	bootstrapAdmin string,
	roundDeadline time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		overlay:        ovl,
		ledger:         ledgerClient,
		poller:         poller,
		store:          store,
		metrics:        m,
		logger:         logger,
		name:           namegen.Generate(),
		bootstrapAdmin: bootstrapAdmin,
		roundDeadline:  roundDeadline,
		events:         make(chan func(), eventBuffer),
		ledgerEvents:   make(chan ledger.Event, eventBuffer),
		httpClient:     &http.Client{Timeout: bootmeshTimeout},
		roles:          make(map[peer.ID]string),
	}
}

// Run joins the discovery topic, announces the client role and consumes
// events until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.runCtx = ctx

	sub, err := s.overlay.Subscribe(ctx, protocol.DiscoveryTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to discovery topic: %w", err)
	}

	s.announce(ctx)
	s.logger.Info("client service is running",
		slog.String("peer_id", s.overlay.ID().String()),
		slog.String("name", s.name))

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.quiesce()

			return nil

		case fn := <-s.events:
			fn()

		case msg, ok := <-sub.Messages:
			if !ok {
				return nil
			}
			s.handleDiscovery(msg)

		case ev := <-s.ledgerEvents:
			s.handleLedgerEvent(ctx, ev)

		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// quiesce moves the state machine to a quiescent state on shutdown. The
// round topic stays joined until the overlay drains so a final log entry
// can still go out.
func (s *Service) quiesce() {
	s.logger.Info("stopping client service")
	if s.round != nil && s.round.cancel != nil {
		s.round.cancel()
	}
}

func (s *Service) announce(ctx context.Context) {
	data, err := protocol.Wrap(protocol.TagAnnounceRole, s.overlay.ID().String(), 0, protocol.AnnounceRole{
		Role:   protocol.RoleClient,
		Topics: s.overlay.Topics(),
	})
	if err != nil {
		return
	}
	switch err := s.overlay.Publish(ctx, protocol.DiscoveryTopic, data); {
	case errors.Is(err, pkgerrors.ErrNoPeers):
		// Normal at startup; the announcement is repeated on every
		// membership change.
		s.logger.Debug("role announcement deferred", slog.Any("error", err))
	case err != nil:
		s.metrics.PublishFailures.Inc()
		s.logger.Warn("failed to announce role", slog.Any("error", err))
	}
}

func (s *Service) handleDiscovery(msg overlay.Message) {
	env, err := protocol.Unwrap(msg.Data)
	if err != nil {
		s.logger.Debug("dropping malformed message", slog.Any("error", err))

		return
	}

	if env.Tag != protocol.TagAnnounceRole {
		return
	}

	var ann protocol.AnnounceRole
	if err := env.Decode(&ann); err != nil || ann.Validate() != nil {
		return
	}
	s.roles[msg.From] = ann.Role
}

// do runs fn on the state-machine goroutine and waits for its result.
// Commands are serialized: one outstanding command at a time keeps the
// round state machine deterministic under concurrent UI requests.
func (s *Service) do(ctx context.Context, fn func() (any, error)) (any, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	type reply struct {
		value any
		err   error
	}
	ch := make(chan reply, 1)

	select {
	case s.events <- func() {
		v, err := fn()
		ch <- reply{value: v, err: err}
	}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute dispatches one control-surface command.
func (s *Service) Execute(ctx context.Context, cmd string, args []string) (any, error) {
	switch cmd {
	case "connect":
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: connect requires a multiaddr", pkgerrors.ErrInvalidArgs)
		}

		return nil, s.overlay.Connect(ctx, args[0])

	case "advertize":
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: advertize requires a task id", pkgerrors.ErrInvalidArgs)
		}
		taskID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid task id %q", pkgerrors.ErrInvalidArgs, args[0])
		}

		return s.do(ctx, func() (any, error) { return s.advertize(taskID) })

	case "train":
		if len(args) < 2 {
			return nil, fmt.Errorf("%w: train requires a task id and parameters", pkgerrors.ErrInvalidArgs)
		}
		taskID, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid task id %q", pkgerrors.ErrInvalidArgs, args[0])
		}
		fields := strings.Fields(args[1])
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: train expects \"<modelHash> <manifestURL> [pubKey]\"", pkgerrors.ErrInvalidArgs)
		}
		modelHash, manifestURL := fields[0], fields[1]
		pubKey := ""
		if len(fields) > 2 {
			pubKey = fields[2]
		}

		return s.do(ctx, func() (any, error) { return s.train(taskID, modelHash, manifestURL, pubKey) })

	case "join":
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: join requires a topic", pkgerrors.ErrInvalidArgs)
		}

		return s.do(ctx, func() (any, error) {
			if _, err := s.overlay.Subscribe(s.runCtx, args[0]); err != nil {
				return nil, err
			}
			s.announce(s.runCtx)

			return nil, nil
		})

	case "leave":
		if len(args) < 1 {
			return nil, fmt.Errorf("%w: leave requires a topic", pkgerrors.ErrInvalidArgs)
		}
		if err := s.overlay.Unsubscribe(args[0]); err != nil {
			return nil, err
		}
		s.announce(ctx)

		return nil, nil

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

	case "bootmesh":
		return s.bootmesh(ctx)

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
		return s.do(ctx, func() (any, error) { return s.statusSnapshot(), nil })

	case "results":
		return s.do(ctx, func() (any, error) { return s.lastResults, nil })

	default:
		return nil, fmt.Errorf("%w: %q", pkgerrors.ErrUnknownCommand, cmd)
	}
}

// GeneratePresignedURL resolves a content hash to a fresh signed URL.
func (s *Service) GeneratePresignedURL(ctx context.Context, hash string) (string, error) {
	return s.store.PresignGet(ctx, hash, objstore.DefaultPresignTTL)
}

func (s *Service) statusSnapshot() map[string]any {
	snapshot := map[string]any{
		"role": protocol.RoleClient,
		"name": s.name,
	}
	if s.round != nil {
		snapshot["round_id"] = s.round.id
		snapshot["task_id"] = s.round.task.ID
		snapshot["phase"] = s.round.phase.String()
		snapshot["trainers"] = s.round.trainers
		snapshot["chunks"] = s.round.chunks
	}

	return snapshot
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

func (s *Service) bootmesh(ctx context.Context) (any, error) {
	body := strings.NewReader(`{"cmd":"mesh","args":[]}`)
	url := fmt.Sprintf("http://%s/command", s.bootstrapAdmin)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap admin unreachable: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Status string `json:"status"`
		Result any    `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode bootstrap response: %w", err)
	}
	if parsed.Status != "ok" {
		return nil, fmt.Errorf("bootstrap admin: %s", parsed.Error)
	}

	return parsed.Result, nil
}

// advertize opens the round: subscribes to the per-round topic, announces
// it, and starts observing the ledger for the task. Requires the task to
// exist on the ledger, or to have already completed (restart recovery).
func (s *Service) advertize(taskID uint64) (any, error) {
	if s.round != nil && s.round.phase != Done && s.round.phase != Aborted {
		return nil, errRoundInProgress
	}

	t, err := s.ledger.GetTask(s.runCtx, taskID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrTaskNotFound) {
			return s.recoverCompleted(taskID)
		}

		return nil, err
	}

	topic := strconv.FormatUint(taskID, 10)
	r := &round{
		id:     uuid.NewString(),
		task:   t,
		topic:  topic,
		phase:  Idle,
		chunks: make([]task.Chunk, t.TotalChunks),
		dedup:  protocol.NewDedup(),
	}
	for i := range r.chunks {
		r.chunks[i] = task.Chunk{Index: uint64(i), Status: task.Unassigned}
	}

	if err := r.transition(Advertising); err != nil {
		return nil, err
	}

	sub, err := s.overlay.Subscribe(s.runCtx, topic)
	if err != nil {
		return nil, err
	}
	go s.forwardRound(sub)

	s.announce(s.runCtx)

	adv, err := protocol.Wrap(protocol.TagAdvertise, s.overlay.ID().String(), taskID, protocol.Advertise{TaskID: taskID})
	if err != nil {
		return nil, err
	}
	if err := s.overlay.Publish(s.runCtx, topic, adv); err != nil && !errors.Is(err, pkgerrors.ErrNoPeers) {
		s.metrics.PublishFailures.Inc()
	}
	if err := s.overlay.Publish(s.runCtx, protocol.DiscoveryTopic, adv); err != nil && !errors.Is(err, pkgerrors.ErrNoPeers) {
		s.metrics.PublishFailures.Inc()
	}

	// Subscription live: candidates are now observed via Mesh(topic).
	if err := r.transition(Assembling); err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(s.runCtx)
	r.cancel = cancel
	go s.poller.Run(pollCtx, taskID, s.ledgerEvents)

	s.round = r
	s.logHuman(fmt.Sprintf("advertised task %d on round topic %q", taskID, topic))

	// Replay the recent event window so a restarted client resumes from
	// submissions already on chain.
	if events, err := s.poller.Poll(s.runCtx, taskID); err == nil {
		for _, ev := range events {
			s.handleLedgerEvent(s.runCtx, ev)
		}
	}

	return map[string]any{"task_id": taskID, "phase": s.roundPhase().String()}, nil
}

// recoverCompleted handles a restart after the task already settled: the
// contract no longer lists it, so no round is opened and the settled
// weight references are rebuilt directly from the ledger's event history.
func (s *Service) recoverCompleted(taskID uint64) (any, error) {
	events, err := s.poller.Poll(s.runCtx, taskID)
	if err != nil {
		return nil, err
	}

	completed := false
	var results []WeightsRef
	for _, ev := range events {
		switch ev.Type {
		case ledger.EventTaskCompleted:
			completed = true
		case ledger.EventWeightsSubmitted:
			results = append(results, WeightsRef{
				ChunkIndex:  uint64(len(results)),
				Trainer:     ev.Trainer,
				WeightsHash: ev.WeightsHash,
			})
		}
	}

	if !completed {
		return nil, fmt.Errorf("%w: task %d", pkgerrors.ErrTaskNotFound, taskID)
	}

	for i := range results {
		url, err := s.store.PresignGet(s.runCtx, results[i].WeightsHash, objstore.DefaultPresignTTL)
		if err != nil {
			s.logger.Warn("presign failed during recovery",
				slog.String("hash", results[i].WeightsHash),
				slog.Any("error", err))
		}
		results[i].URL = url
	}

	s.lastResults = results
	s.logHuman(fmt.Sprintf("task %d already completed; recovered %d weight references", taskID, len(results)))

	return results, nil
}

// train freezes the trainer candidate set, computes the deterministic
// round-robin assignment and publishes the Assign message that is the
// round's single source of work.
func (s *Service) train(taskID uint64, modelHash, manifestURL, pubKey string) (any, error) {
	r := s.round
	if r == nil {
		return nil, errNoRound
	}
	if r.task.ID != taskID {
		return nil, fmt.Errorf("%w: active round is task %d", pkgerrors.ErrInvalidArgs, r.task.ID)
	}
	if r.phase != Assembling {
		return nil, fmt.Errorf("%w: phase %s", errWrongPhase, r.phase)
	}

	var trainers []string
	for _, p := range s.overlay.Mesh(r.topic) {
		if s.roles[p] == protocol.RoleTrainer {
			trainers = append(trainers, p.String())
		}
	}
	if len(trainers) == 0 {
		// The transition fails and the phase stays Assembling so the UI
		// can retry once trainers join.
		return nil, pkgerrors.ErrNoTrainers
	}

	// The manifest must carry exactly one signed URL per chunk; a count
	// mismatch is an invariant violation that aborts the round.
	manifest, err := s.download(s.runCtx, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dataset manifest: %w", err)
	}
	if entries := uint64(len(objstore.ParseManifest(manifest))); entries != r.task.TotalChunks {
		err := fmt.Errorf("%w: manifest has %d entries, task declares %d chunks",
			pkgerrors.ErrChunkMismatch, entries, r.task.TotalChunks)
		s.abort(s.runCtx, err.Error())

		return nil, err
	}

	assignments, err := protocol.AssignRoundRobin(r.task.TotalChunks, trainers)
	if err != nil {
		return nil, err
	}

	modelURL, err := s.store.PresignGet(s.runCtx, modelHash, objstore.DefaultPresignTTL)
	if err != nil {
		return nil, err
	}

	sessionPub := []byte(pubKey)
	if pubKey == "" || pubKey == "-" {
		key, err := crypto.NewRSASessionKey()
		if err != nil {
			return nil, err
		}
		r.sessionKey = key
		sessionPub = key.PublicKeyBytes()
	}

	assign := protocol.Assign{
		ModelURL:      modelURL,
		ManifestURL:   manifestURL,
		SessionPubKey: sessionPub,
		Assignments:   assignments,
	}
	if err := assign.Validate(); err != nil {
		return nil, err
	}

	raw, err := protocol.Wrap(protocol.TagAssign, s.overlay.ID().String(), taskID, assign)
	if err != nil {
		return nil, err
	}

	if err := s.overlay.Publish(s.runCtx, r.topic, raw); err != nil {
		s.metrics.PublishFailures.Inc()

		return nil, err
	}

	r.trainers = trainers
	r.assignRaw = raw
	for _, a := range assignments {
		r.chunks[a.ChunkIndex].Status = task.Assigned
		r.chunks[a.ChunkIndex].Trainer = a.TrainerID
	}

	if err := r.transition(Training); err != nil {
		return nil, err
	}

	now := time.Now()
	r.deadline = now.Add(s.roundDeadline)
	r.backoff = resendBase
	r.nextResend = now.Add(resendBase)

	s.metrics.RoundsStarted.Inc()
	s.metrics.AssignmentsPublished.Inc()
	s.logHuman(fmt.Sprintf("task %d: assigned %d chunks to %d trainers", taskID, len(assignments), len(trainers)))

	return map[string]any{
		"task_id":     taskID,
		"trainers":    trainers,
		"assignments": assignments,
	}, nil
}

// forwardRound funnels round-topic messages into the state-machine queue.
func (s *Service) forwardRound(sub *overlay.Subscription) {
	for msg := range sub.Messages {
		m := msg
		select {
		case s.events <- func() { s.handleRoundMessage(m) }:
		case <-s.runCtx.Done():
			return
		}
	}
}

func (s *Service) handleRoundMessage(msg overlay.Message) {
	r := s.round
	if r == nil {
		return
	}

	env, err := protocol.Unwrap(msg.Data)
	if err != nil {
		s.logger.Debug("dropping malformed round message", slog.Any("error", err))

		return
	}
	if r.dedup.Seen(env.Key()) {
		return
	}

	if env.Tag == protocol.TagLog {
		var entry protocol.Log
		if err := env.Decode(&entry); err == nil {
			s.logger.Info("trainer log",
				slog.String("peer", msg.From.String()),
				slog.String("message", entry.Message))
		}
	}
}

func (s *Service) handleLedgerEvent(ctx context.Context, ev ledger.Event) {
	r := s.round
	if r == nil || ev.TaskID != r.task.ID {
		return
	}
	if r.phase != Training && r.phase != Assembling && r.phase != Settling {
		return
	}

	switch ev.Type {
	case ledger.EventWeightsSubmitted:
		s.metrics.SubmissionsObserved.Inc()

		// Attribute the submission to the earliest chunk still pending;
		// first observation wins for a chunk, later duplicates fall
		// through to the next pending one.
		idx := -1
		for i := range r.chunks {
			if r.chunks[i].Status != task.Submitted {
				idx = i

				break
			}
		}
		if idx < 0 {
			return
		}

		r.chunks[idx].Status = task.Submitted
		r.chunks[idx].WeightsHash = ev.WeightsHash
		// The cached remainder never grows: replayed older events carry
		// larger counts than the ledger's current value.
		if ev.RemainingChunks < r.task.RemainingChunks {
			r.task.RemainingChunks = ev.RemainingChunks
		}

		ack, err := protocol.Wrap(protocol.TagSubmitAck, s.overlay.ID().String(), r.task.ID, protocol.SubmitAck{
			ChunkIndex:  r.chunks[idx].Index,
			TrainerID:   r.chunks[idx].Trainer,
			WeightsHash: ev.WeightsHash,
		})
		if err == nil {
			if err := s.overlay.Publish(ctx, r.topic, ack); err != nil && !errors.Is(err, pkgerrors.ErrNoPeers) {
				s.metrics.PublishFailures.Inc()
			}
		}

		s.logHuman(fmt.Sprintf("task %d: chunk %d settled by %s (%d remaining)",
			r.task.ID, r.chunks[idx].Index, ev.Trainer, ev.RemainingChunks))

		if ev.RemainingChunks == 0 {
			s.settle(ctx)
		}

	case ledger.EventTaskCompleted:
		s.settle(ctx)
	}
}

// settle resolves every observed weights hash to a fresh signed URL and
// finishes the round. Signed URLs are never stored on chain; they are
// minted here, at download time.
func (s *Service) settle(ctx context.Context) {
	r := s.round
	if r == nil || r.phase == Settling || r.phase == Done || r.phase == Aborted {
		return
	}

	if err := r.transition(Settling); err != nil {
		s.logger.Error("settle transition failed", slog.Any("error", err))

		return
	}

	results := make([]WeightsRef, 0, len(r.chunks))
	for _, c := range r.chunks {
		if c.Status != task.Submitted {
			continue
		}
		url, err := s.store.PresignGet(ctx, c.WeightsHash, objstore.DefaultPresignTTL)
		if err != nil {
			s.logger.Warn("presign failed at settlement; UI can retry via /generate-presigned-url",
				slog.String("hash", c.WeightsHash),
				slog.Any("error", err))
		}
		results = append(results, WeightsRef{
			ChunkIndex:  c.Index,
			Trainer:     c.Trainer,
			WeightsHash: c.WeightsHash,
			URL:         url,
		})
	}
	r.results = results
	s.lastResults = results

	if err := r.transition(Done); err != nil {
		s.logger.Error("done transition failed", slog.Any("error", err))

		return
	}

	s.metrics.RoundsCompleted.Inc()
	s.logHuman(fmt.Sprintf("task %d: round complete, %d weight references available", r.task.ID, len(results)))

	if r.cancel != nil {
		r.cancel()
	}
	if err := s.overlay.Unsubscribe(r.topic); err != nil {
		s.logger.Debug("failed to leave round topic", slog.Any("error", err))
	}
	s.announce(ctx)
}

// abort terminates the round, keeping on-chain funds under contract rules.
func (s *Service) abort(ctx context.Context, reason string) {
	r := s.round
	if r == nil || r.phase == Done || r.phase == Aborted {
		return
	}

	_ = r.transition(Aborted)
	s.metrics.RoundsAborted.Inc()
	s.logHuman(fmt.Sprintf("task %d: round aborted: %s", r.task.ID, reason))

	if r.cancel != nil {
		r.cancel()
	}
	if err := s.overlay.Unsubscribe(r.topic); err != nil {
		s.logger.Debug("failed to leave round topic", slog.Any("error", err))
	}
	s.announce(ctx)
}

// tick re-emits the Assign message with exponential backoff and enforces
// the round deadline.
func (s *Service) tick(ctx context.Context) {
	r := s.round
	if r == nil || r.phase != Training {
		return
	}

	now := time.Now()
	if now.After(r.deadline) {
		pending := len(task.FilterPending(r.chunks))
		s.abort(ctx, fmt.Sprintf("deadline elapsed with %d chunks unsatisfied", pending))

		return
	}

	if now.After(r.nextResend) {
		switch err := s.overlay.Publish(ctx, r.topic, r.assignRaw); {
		case errors.Is(err, pkgerrors.ErrNoPeers):
			// Transient: the mesh emptied out. Retry at the base interval
			// without growing the backoff.
			s.logger.Debug("assign re-emission deferred", slog.Any("error", err))
			r.nextResend = now.Add(resendBase)

			return
		case err != nil:
			s.metrics.PublishFailures.Inc()
		default:
			s.metrics.AssignmentsPublished.Inc()
		}

		r.backoff *= 2
		if r.backoff > resendCap {
			r.backoff = resendCap
		}
		r.nextResend = now.Add(r.backoff)
	}
}

func (s *Service) roundPhase() Phase {
	if s.round == nil {
		return Idle
	}

	return s.round.phase
}

// logHuman records an operator-visible line locally, on the discovery
// topic and on the consensus log topic. Best effort everywhere.
func (s *Service) logHuman(message string) {
	s.logger.Info(message)

	data, err := protocol.Wrap(protocol.TagLog, s.overlay.ID().String(), 0, protocol.Log{Message: message})
	if err == nil {
		if err := s.overlay.Publish(s.runCtx, protocol.DiscoveryTopic, data); err != nil && !errors.Is(err, pkgerrors.ErrNoPeers) {
			s.metrics.PublishFailures.Inc()
		}
	}

	go func() {
		_ = s.ledger.PublishLog(s.runCtx, message)
	}()
}
