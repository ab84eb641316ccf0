package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// PollInterval is how often the mirror endpoint is re-read.
	PollInterval = 5 * time.Second

	// pollWindow bounds how many recent log entries each poll re-reads.
	// Replays inside the window are absorbed by transaction-hash dedup.
	pollWindow = 100

	mirrorTimeout = 30 * time.Second
)

// EventType enumerates the contract events the coordinator reacts to.
type EventType string

const (
	EventTaskCreated      EventType = "TaskCreated"
	EventWeightsSubmitted EventType = "WeightsSubmitted"
	EventTaskCompleted    EventType = "TaskCompleted"
	EventWithdrawn        EventType = "Withdrawn"
)

// contractABI mirrors the escrow contract's event declarations.
const contractABI = `[
	{"type":"event","name":"TaskCreated","inputs":[
		{"name":"taskId","type":"uint256","indexed":true},
		{"name":"depositor","type":"address","indexed":true},
		{"name":"modelUrl","type":"string","indexed":false},
		{"name":"datasetUrl","type":"string","indexed":false},
		{"name":"numChunks","type":"uint256","indexed":false},
		{"name":"totalReward","type":"uint256","indexed":false}]},
	{"type":"event","name":"WeightsSubmitted","inputs":[
		{"name":"taskId","type":"uint256","indexed":true},
		{"name":"trainer","type":"address","indexed":true},
		{"name":"weightsHash","type":"string","indexed":false},
		{"name":"rewardAmount","type":"uint256","indexed":false},
		{"name":"remainingChunks","type":"uint256","indexed":false}]},
	{"type":"event","name":"TaskCompleted","inputs":[
		{"name":"taskId","type":"uint256","indexed":true}]},
	{"type":"event","name":"Withdrawn","inputs":[
		{"name":"who","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]}
]`

// Event is one decoded contract log entry.
type Event struct {
	Type            EventType
	TaskID          uint64
	Depositor       string
	Trainer         string
	ModelURL        string
	DatasetURL      string
	WeightsHash     string
	RewardAmount    *big.Int
	NumChunks       uint64
	RemainingChunks uint64
	TxHash          string
	LogIndex        int
	Timestamp       string
}

type mirrorLog struct {
	Data            string   `json:"data"`
	Index           int      `json:"index"`
	Topics          []string `json:"topics"`
	TransactionHash string   `json:"transaction_hash"`
	Timestamp       string   `json:"timestamp"`
}

type mirrorLogsPage struct {
	Logs []mirrorLog `json:"logs"`
}

// EventPoller reads the mirror node's contract log endpoint on a fixed
// interval, decodes entries against the event ABI and delivers fresh
// events in chronological order. Dedup is by (transaction hash, log index),
// so re-reading the recent window each poll is safe.
type EventPoller struct {
	mirrorURL  string
	contractID string
	httpClient *http.Client
	parsedABI  abi.ABI
	sigs       map[common.Hash]EventType
	logger     *slog.Logger

	mu   sync.Mutex
	seen map[string]bool
}

// NewEventPoller builds a poller for one contract against a mirror
// endpoint.
func NewEventPoller(mirrorURL, contractID string, logger *slog.Logger) (*EventPoller, error) {
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}

	sigs := make(map[common.Hash]EventType)
	for name, ev := range parsed.Events {
		sigs[ethcrypto.Keccak256Hash([]byte(ev.Sig))] = EventType(name)
	}

	return &EventPoller{
		mirrorURL:  strings.TrimSuffix(mirrorURL, "/"),
		contractID: contractID,
		httpClient: &http.Client{Timeout: mirrorTimeout},
		parsedABI:  parsed,
		sigs:       sigs,
		logger:     logger,
		seen:       make(map[string]bool),
	}, nil
}

// Poll fetches the recent log window once and returns the events not seen
// before, oldest first, optionally filtered to one task. taskID 0 means no
// filter.
func (p *EventPoller) Poll(ctx context.Context, taskID uint64) ([]Event, error) {
	endpoint := fmt.Sprintf("%s/api/v1/contracts/%s/results/logs?%s",
		p.mirrorURL, url.PathEscape(p.contractID),
		url.Values{"limit": {fmt.Sprint(pollWindow)}, "order": {"desc"}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mirror node unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mirror node returned %s", resp.Status)
	}

	var page mirrorLogsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode mirror response: %w", err)
	}

	var fresh []Event
	p.mu.Lock()
	for _, entry := range page.Logs {
		key := fmt.Sprintf("%s/%d", entry.TransactionHash, entry.Index)
		if p.seen[key] {
			continue
		}
		p.seen[key] = true

		ev, ok := p.decode(entry)
		if !ok {
			continue
		}

		if taskID != 0 && ev.TaskID != taskID && ev.Type != EventWithdrawn {
			continue
		}

		fresh = append(fresh, ev)
	}
	p.mu.Unlock()

	// The mirror returns newest first; consumers want chronological order.
	sort.SliceStable(fresh, func(i, j int) bool {
		return fresh[i].Timestamp < fresh[j].Timestamp
	})

	return fresh, nil
}

// Run polls until the context is cancelled, pushing fresh events to out.
func (p *EventPoller) Run(ctx context.Context, taskID uint64, out chan<- Event) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := p.Poll(ctx, taskID)
			if err != nil {
				p.logger.Warn("ledger poll failed", slog.Any("error", err))

				continue
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func hexBytes(s string) []byte {
	data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil
	}

	return data
}

func (p *EventPoller) decode(entry mirrorLog) (Event, bool) {
	if len(entry.Topics) == 0 {
		return Event{}, false
	}

	evType, ok := p.sigs[common.HexToHash(entry.Topics[0])]
	if !ok {
		return Event{}, false
	}

	ev := Event{
		Type:      evType,
		TxHash:    entry.TransactionHash,
		LogIndex:  entry.Index,
		Timestamp: entry.Timestamp,
	}

	abiEvent := p.parsedABI.Events[string(evType)]
	values, err := abiEvent.Inputs.NonIndexed().Unpack(hexBytes(entry.Data))
	if err != nil {
		p.logger.Warn("failed to unpack event data",
			slog.String("event", string(evType)),
			slog.Any("error", err))

		return Event{}, false
	}

	topicAt := func(i int) common.Hash {
		if i < len(entry.Topics) {
			return common.HexToHash(entry.Topics[i])
		}

		return common.Hash{}
	}

	switch evType {
	case EventTaskCreated:
		ev.TaskID = new(big.Int).SetBytes(topicAt(1).Bytes()).Uint64()
		ev.Depositor = common.BytesToAddress(topicAt(2).Bytes()).Hex()
		if len(values) == 4 {
			ev.ModelURL, _ = values[0].(string)
			ev.DatasetURL, _ = values[1].(string)
			if n, ok := values[2].(*big.Int); ok {
				ev.NumChunks = n.Uint64()
			}
			ev.RewardAmount, _ = values[3].(*big.Int)
		}
	case EventWeightsSubmitted:
		ev.TaskID = new(big.Int).SetBytes(topicAt(1).Bytes()).Uint64()
		ev.Trainer = common.BytesToAddress(topicAt(2).Bytes()).Hex()
		if len(values) == 3 {
			ev.WeightsHash, _ = values[0].(string)
			ev.RewardAmount, _ = values[1].(*big.Int)
			if n, ok := values[2].(*big.Int); ok {
				ev.RemainingChunks = n.Uint64()
			}
		}
	case EventTaskCompleted:
		ev.TaskID = new(big.Int).SetBytes(topicAt(1).Bytes()).Uint64()
	case EventWithdrawn:
		ev.Trainer = common.BytesToAddress(topicAt(1).Bytes()).Hex()
		if len(values) == 1 {
			ev.RewardAmount, _ = values[0].(*big.Int)
		}
	}

	return ev, true
}
