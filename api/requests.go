package api

import (
	"fmt"

	pkgerrors "github.com/absmach/fedmesh/pkg/errors"
)

// CommandRequest is the body of POST /command.
type CommandRequest struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

func (r CommandRequest) Validate() error {
	if r.Cmd == "" {
		return fmt.Errorf("command request: cmd is required but missing: %w", pkgerrors.ErrInvalidArgs)
	}

	return nil
}

// PresignRequest is the body of POST /generate-presigned-url.
type PresignRequest struct {
	Hash string `json:"hash"`
}

func (r PresignRequest) Validate() error {
	if r.Hash == "" {
		return fmt.Errorf("presign request: hash is required but missing: %w", pkgerrors.ErrInvalidArgs)
	}
	if len(r.Hash) != 64 {
		return fmt.Errorf("presign request: hash must be 64 hex chars, got %d: %w", len(r.Hash), pkgerrors.ErrInvalidArgs)
	}

	return nil
}
