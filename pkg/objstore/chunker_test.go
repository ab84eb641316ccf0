package objstore

import (
	"fmt"
	"strings"
	"testing"
)

func TestSplitCSVHeaderPreservation(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("id,feature,label\n")
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&sb, "%d,%f,%d\n", i, float64(i)*1.5, i%2)
	}

	chunks, err := SplitCSV([]byte(sb.String()), 2048)
	if err != nil {
		t.Fatalf("SplitCSV failed: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("Expected multiple chunks for a 500-row dataset, got %d", len(chunks))
	}

	totalRows := 0
	for i, chunk := range chunks {
		lines := strings.Split(strings.TrimSuffix(string(chunk), "\n"), "\n")
		if lines[0] != "id,feature,label" {
			t.Errorf("chunk %d does not start with the header: %q", i, lines[0])
		}
		if len(chunk) > 2048+len("id,feature,label\n") {
			// A chunk may exceed the budget only by its replicated header.
			t.Errorf("chunk %d is oversized: %d bytes", i, len(chunk))
		}
		for _, line := range lines[1:] {
			if strings.Count(line, ",") != 2 {
				t.Errorf("chunk %d contains a split row: %q", i, line)
			}
		}
		totalRows += len(lines) - 1
	}

	if totalRows != 500 {
		t.Errorf("Expected 500 data rows across chunks, got %d", totalRows)
	}
}

func TestSplitCSVSingleChunk(t *testing.T) {
	data := []byte("a,b\n1,2\n3,4\n")

	chunks, err := SplitCSV(data, DefaultChunkBytes)
	if err != nil {
		t.Fatalf("SplitCSV failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("Expected a single chunk, got %d", len(chunks))
	}
	if string(chunks[0]) != string(data) {
		t.Errorf("Single chunk must equal the input, got %q", chunks[0])
	}
}

func TestSplitCSVEmpty(t *testing.T) {
	if _, err := SplitCSV(nil, 1024); err == nil {
		t.Error("Expected error for empty dataset")
	}
	if _, err := SplitCSV([]byte("header,only\n"), 1024); err == nil {
		t.Error("Expected error for header-only dataset")
	}
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "three urls", body: "https://a,https://b,https://c", want: 3},
		{name: "single url", body: "https://a", want: 1},
		{name: "trailing whitespace", body: "https://a,https://b\n", want: 2},
		{name: "empty", body: "", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseManifest([]byte(tt.body))
			if len(got) != tt.want {
				t.Errorf("ParseManifest() returned %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestHashBytes(t *testing.T) {
	hash := HashBytes([]byte("weights"))
	if len(hash) != 64 {
		t.Fatalf("Expected 64 hex chars, got %d", len(hash))
	}
	if hash != HashBytes([]byte("weights")) {
		t.Error("Hash must be deterministic")
	}
	if hash == HashBytes([]byte("weights2")) {
		t.Error("Different payloads must hash differently")
	}
}
