package task

import (
	"math/big"
	"testing"
)

func TestCompleted(t *testing.T) {
	tk := Task{TotalChunks: 3, RemainingChunks: 1, PerChunkReward: big.NewInt(10_000_000)}
	if tk.Completed() {
		t.Error("Task with remaining chunks must not be completed")
	}

	tk.RemainingChunks = 0
	if !tk.Completed() {
		t.Error("Task with zero remaining chunks must be completed")
	}
}

func TestChunkFilters(t *testing.T) {
	chunks := []Chunk{
		{Index: 0, Status: Submitted, Trainer: "a", WeightsHash: "h0"},
		{Index: 1, Status: Assigned, Trainer: "b"},
		{Index: 2, Status: Unassigned},
	}

	if got := FilterSubmitted(chunks); len(got) != 1 || got[0].Index != 0 {
		t.Errorf("FilterSubmitted returned %+v", got)
	}
	if got := FilterPending(chunks); len(got) != 2 {
		t.Errorf("FilterPending returned %+v", got)
	}
}

func TestChunkStatusString(t *testing.T) {
	want := map[ChunkStatus]string{
		Unassigned:      "Unassigned",
		Assigned:        "Assigned",
		Submitted:       "Submitted",
		ChunkStatus(42): "Unknown",
	}
	for s, str := range want {
		if s.String() != str {
			t.Errorf("ChunkStatus(%d).String() = %q, want %q", s, s.String(), str)
		}
	}
}
