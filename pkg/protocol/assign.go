package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
)

var errNoTrainers = errors.New("no trainers to assign")

// AssignRoundRobin distributes chunk indexes [0, totalChunks) across the
// trainer set round-robin. Trainers are ordered ascending by identifier so
// every replica of the client computes the same assignment for the same
// frozen set.
func AssignRoundRobin(totalChunks uint64, trainers []string) ([]ChunkAssignment, error) {
	if len(trainers) == 0 {
		return nil, errNoTrainers
	}

	ordered := make([]string, len(trainers))
	copy(ordered, trainers)
	sort.Strings(ordered)

	assignments := make([]ChunkAssignment, 0, totalChunks)
	for i := uint64(0); i < totalChunks; i++ {
		assignments = append(assignments, ChunkAssignment{
			ChunkIndex: i,
			TrainerID:  ordered[i%uint64(len(ordered))],
		})
	}

	return assignments, nil
}

// ChunksFor returns the chunk indexes assigned to one trainer, in order.
func ChunksFor(assignments []ChunkAssignment, trainerID string) []uint64 {
	var chunks []uint64
	for _, a := range assignments {
		if a.TrainerID == trainerID {
			chunks = append(chunks, a.ChunkIndex)
		}
	}

	return chunks
}

// assignDigest fingerprints an Assign's contents so an identical
// retransmission maps to the same idempotency key.
func assignDigest(a Assign) string {
	h := sha256.New()
	h.Write([]byte(a.ModelURL))
	h.Write([]byte(a.ManifestURL))
	h.Write(a.SessionPubKey)
	for _, ca := range a.Assignments {
		var idx [8]byte
		for i := 0; i < 8; i++ {
			idx[i] = byte(ca.ChunkIndex >> (8 * (7 - i)))
		}
		h.Write(idx[:])
		h.Write([]byte(ca.TrainerID))
	}

	return hex.EncodeToString(h.Sum(nil))
}
