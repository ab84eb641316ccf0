package api

import (
	"context"

	"github.com/go-kit/kit/endpoint"
)

// Service is the role-agnostic control surface every node exposes. The
// command set a role recognises is decided by its own Execute.
type Service interface {
	Execute(ctx context.Context, cmd string, args []string) (any, error)
	GeneratePresignedURL(ctx context.Context, hash string) (string, error)
}

func MakeCommandEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(CommandRequest)

		result, err := svc.Execute(ctx, req.Cmd, req.Args)
		if err != nil {
			return nil, err
		}

		return CommandResponse{Status: "ok", Result: result}, nil
	}
}

func MakePresignEndpoint(svc Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(PresignRequest)

		url, err := svc.GeneratePresignedURL(ctx, req.Hash)
		if err != nil {
			return nil, err
		}

		return PresignResponse{Status: "ok", PresignedURL: url, Hash: req.Hash}, nil
	}
}
