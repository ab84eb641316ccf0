package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DiscoveryTopic is the well-known channel every node joins on startup.
// Role announcements and task advertisements flow here; each round gets its
// own topic named after the ledger task identifier.
const DiscoveryTopic = "fed-learn"

// Tags of the round-protocol wire messages. Receivers drop envelopes with
// tags they do not recognise.
const (
	TagAnnounceRole = "announce_role"
	TagAdvertise    = "advertise"
	TagAssign       = "assign"
	TagSubmitAck    = "submit_ack"
	TagLog          = "log"
)

// Roles a node can announce.
const (
	RoleBootstrap = "bootstrap"
	RoleClient    = "client"
	RoleTrainer   = "trainer"
	RoleUnknown   = "unknown"
)

var (
	errEmptyTag     = errors.New("envelope tag is required")
	errEmptyFrom    = errors.New("envelope originator is required")
	errUnknownTag   = errors.New("unknown envelope tag")
	errEmptyRole    = errors.New("role announcement: role is required")
	errInvalidRole  = errors.New("role announcement: invalid role")
	errNoAssignment = errors.New("assign: assignment list is empty")
	errEmptyURL     = errors.New("assign: model and manifest URLs are required")
	errEmptyHash    = errors.New("submit ack: weights hash is required")
)

// Envelope is the self-describing record carried on every topic. Payload
// holds exactly one concrete message matching Tag.
type Envelope struct {
	Tag     string          `json:"tag"`
	From    string          `json:"from"`
	TaskID  uint64          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AnnounceRole struct {
	Role   string   `json:"role"`
	Topics []string `json:"topics"`
}

type Advertise struct {
	TaskID uint64 `json:"task_id"`
}

// ChunkAssignment binds one chunk index to the trainer that must process it.
type ChunkAssignment struct {
	ChunkIndex uint64 `json:"chunk_index"`
	TrainerID  string `json:"trainer_id"`
}

// Assign is the single source of work for a round. Retransmissions with
// identical contents must be treated as no-ops by trainers.
type Assign struct {
	ModelURL      string            `json:"model_url"`
	ManifestURL   string            `json:"manifest_url"`
	SessionPubKey []byte            `json:"session_pub_key,omitempty"`
	Assignments   []ChunkAssignment `json:"assignments"`
}

type SubmitAck struct {
	ChunkIndex  uint64 `json:"chunk_index"`
	TrainerID   string `json:"trainer_id"`
	WeightsHash string `json:"weights_hash"`
}

type Log struct {
	Message string `json:"message"`
}

func (a AnnounceRole) Validate() error {
	if a.Role == "" {
		return errEmptyRole
	}
	switch a.Role {
	case RoleBootstrap, RoleClient, RoleTrainer:
		return nil
	default:
		return fmt.Errorf("%w: %q", errInvalidRole, a.Role)
	}
}

func (a Assign) Validate() error {
	if a.ModelURL == "" || a.ManifestURL == "" {
		return errEmptyURL
	}
	if len(a.Assignments) == 0 {
		return errNoAssignment
	}

	seen := make(map[uint64]bool, len(a.Assignments))
	for _, ca := range a.Assignments {
		if ca.TrainerID == "" {
			return fmt.Errorf("assign: chunk %d has no trainer", ca.ChunkIndex)
		}
		if seen[ca.ChunkIndex] {
			return fmt.Errorf("assign: chunk %d assigned twice", ca.ChunkIndex)
		}
		seen[ca.ChunkIndex] = true
	}

	return nil
}

func (s SubmitAck) Validate() error {
	if s.WeightsHash == "" {
		return errEmptyHash
	}

	return nil
}

// Wrap marshals a concrete message into an Envelope ready for publishing.
func Wrap(tag, from string, taskID uint64, msg any) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Envelope{
		Tag:     tag,
		From:    from,
		TaskID:  taskID,
		Payload: payload,
	})
}

// Unwrap parses raw topic bytes into an Envelope. A nil error does not mean
// the payload is valid; callers decode and Validate per tag.
func Unwrap(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Tag == "" {
		return Envelope{}, errEmptyTag
	}
	if env.From == "" {
		return Envelope{}, errEmptyFrom
	}

	switch env.Tag {
	case TagAnnounceRole, TagAdvertise, TagAssign, TagSubmitAck, TagLog:
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("%w: %q", errUnknownTag, env.Tag)
	}
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %q: empty payload", e.Tag)
	}

	return json.Unmarshal(e.Payload, out)
}

// Key is the idempotency key of a round-protocol message. Receivers process
// each key at most once; duplicate delivery is expected on the overlay.
func (e Envelope) Key() string {
	switch e.Tag {
	case TagSubmitAck:
		var ack SubmitAck
		if err := e.Decode(&ack); err == nil {
			return fmt.Sprintf("%s/%d/%d/%s", e.Tag, e.TaskID, ack.ChunkIndex, ack.TrainerID)
		}
	case TagAssign:
		var a Assign
		if err := e.Decode(&a); err == nil {
			sum := assignDigest(a)

			return fmt.Sprintf("%s/%d/%s", e.Tag, e.TaskID, sum)
		}
	}

	return fmt.Sprintf("%s/%d/%s", e.Tag, e.TaskID, e.From)
}

// Dedup remembers processed idempotency keys. It is not safe for concurrent
// use; each subscription loop owns its own set.
type Dedup struct {
	seen map[string]bool
}

func NewDedup() *Dedup {
	return &Dedup{seen: make(map[string]bool)}
}

// Seen records the key and reports whether it had been processed before.
func (d *Dedup) Seen(key string) bool {
	if d.seen[key] {
		return true
	}
	d.seen[key] = true

	return false
}
