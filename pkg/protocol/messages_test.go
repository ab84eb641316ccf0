package protocol

import (
	"testing"
)

func TestWrapUnwrap(t *testing.T) {
	raw, err := Wrap(TagAssign, "peer-a", 7, Assign{
		ModelURL:    "https://store/model",
		ManifestURL: "https://store/manifest",
		Assignments: []ChunkAssignment{{ChunkIndex: 0, TrainerID: "peer-b"}},
	})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	env, err := Unwrap(raw)
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if env.Tag != TagAssign {
		t.Errorf("Expected tag %q, got %q", TagAssign, env.Tag)
	}
	if env.From != "peer-a" {
		t.Errorf("Expected from peer-a, got %q", env.From)
	}
	if env.TaskID != 7 {
		t.Errorf("Expected task 7, got %d", env.TaskID)
	}

	var assign Assign
	if err := env.Decode(&assign); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if assign.ModelURL != "https://store/model" {
		t.Errorf("Expected model URL to survive the round trip, got %q", assign.ModelURL)
	}
}

func TestUnwrapRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "not json", data: []byte("::")},
		{name: "missing tag", data: []byte(`{"from":"a"}`)},
		{name: "missing from", data: []byte(`{"tag":"log"}`)},
		{name: "unknown tag", data: []byte(`{"tag":"gossip","from":"a"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Unwrap(tt.data); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

func TestAnnounceRoleValidate(t *testing.T) {
	tests := []struct {
		name    string
		ann     AnnounceRole
		wantErr bool
	}{
		{name: "trainer", ann: AnnounceRole{Role: RoleTrainer}},
		{name: "client", ann: AnnounceRole{Role: RoleClient}},
		{name: "bootstrap", ann: AnnounceRole{Role: RoleBootstrap}},
		{name: "empty", ann: AnnounceRole{}, wantErr: true},
		{name: "invalid", ann: AnnounceRole{Role: "miner"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ann.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAssignValidate(t *testing.T) {
	valid := Assign{
		ModelURL:    "https://store/m",
		ManifestURL: "https://store/d",
		Assignments: []ChunkAssignment{
			{ChunkIndex: 0, TrainerID: "a"},
			{ChunkIndex: 1, TrainerID: "b"},
		},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Expected valid assign, got %v", err)
	}

	dup := valid
	dup.Assignments = []ChunkAssignment{
		{ChunkIndex: 0, TrainerID: "a"},
		{ChunkIndex: 0, TrainerID: "b"},
	}
	if err := dup.Validate(); err == nil {
		t.Error("Expected duplicate chunk assignment to be rejected")
	}

	empty := valid
	empty.Assignments = nil
	if err := empty.Validate(); err == nil {
		t.Error("Expected empty assignment list to be rejected")
	}

	noURL := valid
	noURL.ModelURL = ""
	if err := noURL.Validate(); err == nil {
		t.Error("Expected missing model URL to be rejected")
	}
}

func TestEnvelopeKeyIdempotence(t *testing.T) {
	assign := Assign{
		ModelURL:    "https://store/m",
		ManifestURL: "https://store/d",
		Assignments: []ChunkAssignment{{ChunkIndex: 0, TrainerID: "a"}},
	}

	first, err := Wrap(TagAssign, "client", 3, assign)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Wrap(TagAssign, "client", 3, assign)
	if err != nil {
		t.Fatal(err)
	}

	envA, _ := Unwrap(first)
	envB, _ := Unwrap(second)
	if envA.Key() != envB.Key() {
		t.Error("Identical Assign retransmissions must map to the same key")
	}

	assign.ModelURL = "https://store/m2"
	third, _ := Wrap(TagAssign, "client", 3, assign)
	envC, _ := Unwrap(third)
	if envA.Key() == envC.Key() {
		t.Error("Changed Assign contents must map to a different key")
	}

	dedup := NewDedup()
	if dedup.Seen(envA.Key()) {
		t.Error("First delivery must not be seen")
	}
	if !dedup.Seen(envB.Key()) {
		t.Error("Replayed delivery must be seen")
	}
}

func TestSubmitAckKey(t *testing.T) {
	ackA, _ := Wrap(TagSubmitAck, "client", 5, SubmitAck{ChunkIndex: 1, TrainerID: "t1", WeightsHash: "aa"})
	ackB, _ := Wrap(TagSubmitAck, "client", 5, SubmitAck{ChunkIndex: 2, TrainerID: "t1", WeightsHash: "bb"})

	envA, _ := Unwrap(ackA)
	envB, _ := Unwrap(ackB)
	if envA.Key() == envB.Key() {
		t.Error("Acks for different chunks must have distinct keys")
	}
}
