package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	pkgerrors "github.com/absmach/fedmesh/pkg/errors"
)

var errUnsupportedContentType = errors.New("unsupported content type")

// MakeHandler builds the node's control surface: status, command dispatch,
// presign generation and Prometheus metrics.
func MakeHandler(svc Service, registry *prometheus.Registry) http.Handler {
	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(encodeError),
	}

	mux := chi.NewRouter()

	mux.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(StatusResponse{Status: "running"})
	})

	mux.Post("/command", kithttp.NewServer(
		MakeCommandEndpoint(svc),
		decodeCommandRequest,
		encodeResponse,
		opts...,
	).ServeHTTP)

	mux.Post("/generate-presigned-url", kithttp.NewServer(
		MakePresignEndpoint(svc),
		decodePresignRequest,
		encodeResponse,
		opts...,
	).ServeHTTP)

	mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return otelhttp.NewHandler(mux, "fedmesh")
}

func decodeCommandRequest(_ context.Context, r *http.Request) (interface{}, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return nil, errUnsupportedContentType
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.Join(pkgerrors.ErrInvalidArgs, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

func decodePresignRequest(_ context.Context, r *http.Request) (interface{}, error) {
	if !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return nil, errUnsupportedContentType
	}

	var req PresignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.Join(pkgerrors.ErrInvalidArgs, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return req, nil
}

func encodeResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", "application/json")

	return json.NewEncoder(w).Encode(response)
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case errors.Is(err, pkgerrors.ErrUnknownCommand),
		errors.Is(err, pkgerrors.ErrInvalidArgs),
		errors.Is(err, errUnsupportedContentType):
		w.WriteHeader(http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}

	_ = json.NewEncoder(w).Encode(ErrorResponse{Status: "error", Error: err.Error()})
}
