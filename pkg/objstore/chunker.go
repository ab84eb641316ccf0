package objstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// DefaultChunkBytes is the target chunk size. Chunks stay small so one
// signed URL per chunk fits comfortably in an overlay message.
const DefaultChunkBytes = 50 * 1024

var errEmptyDataset = errors.New("dataset file is empty")

// SplitCSV splits a CSV body into line-aligned chunks of roughly chunkBytes
// each. The header line is read once and replicated at the top of every
// chunk; a data line is never split across chunks.
func SplitCSV(data []byte, chunkBytes int) ([][]byte, error) {
	if chunkBytes <= 0 {
		chunkBytes = DefaultChunkBytes
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, errEmptyDataset
	}
	header := scanner.Text()

	var chunks [][]byte
	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteByte('\n')
	rows := 0

	flush := func() {
		if rows == 0 {
			return
		}
		chunks = append(chunks, []byte(sb.String()))
		sb.Reset()
		sb.WriteString(header)
		sb.WriteByte('\n')
		rows = 0
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if sb.Len()+len(line)+1 > chunkBytes {
			flush()
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
		rows++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan dataset: %w", err)
	}
	flush()

	if len(chunks) == 0 {
		return nil, errEmptyDataset
	}

	return chunks, nil
}

// UploadDatasetAsChunks splits the CSV at path, uploads every chunk, joins
// their signed URLs with commas into a manifest blob, uploads the manifest
// and returns its signed URL together with the chunk count. The manifest
// entry order is the assignment order.
func (s *Store) UploadDatasetAsChunks(ctx context.Context, path string, chunkBytes int) (string, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read dataset %q: %w", path, err)
	}

	chunks, err := SplitCSV(data, chunkBytes)
	if err != nil {
		return "", 0, err
	}

	urls := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		hash, err := s.Upload(ctx, chunk)
		if err != nil {
			return "", 0, fmt.Errorf("chunk %d: %w", i, err)
		}

		url, err := s.PresignGet(ctx, hash, DefaultPresignTTL)
		if err != nil {
			return "", 0, fmt.Errorf("chunk %d: %w", i, err)
		}
		urls = append(urls, url)

		s.logger.Debug("uploaded dataset chunk",
			slog.Int("chunk", i),
			slog.String("hash", hash),
			slog.Int("bytes", len(chunk)))
	}

	manifest := []byte(strings.Join(urls, ","))
	manifestHash, err := s.Upload(ctx, manifest)
	if err != nil {
		return "", 0, fmt.Errorf("manifest: %w", err)
	}

	manifestURL, err := s.PresignGet(ctx, manifestHash, DefaultPresignTTL)
	if err != nil {
		return "", 0, fmt.Errorf("manifest: %w", err)
	}

	s.logger.Info("dataset uploaded",
		slog.Int("chunks", len(chunks)),
		slog.String("manifest_hash", manifestHash))

	return manifestURL, len(chunks), nil
}

// ParseManifest splits a manifest body into its chunk URLs, in assignment
// order.
func ParseManifest(body []byte) []string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, ",")
}
