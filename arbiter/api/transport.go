package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/absmach/dpsgd/arbiter"
	"github.com/absmach/dpsgd/pkg/accountant"
	"github.com/absmach/dpsgd/pkg/orchestration"
	"github.com/go-chi/chi/v5"
	kithttp "github.com/go-kit/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const contentType = "application/json"

// MakeHandler exposes the arbiter's job state over HTTP.
func MakeHandler(svc arbiter.Service, defaultDelta float64) http.Handler {
	opts := []kithttp.ServerOption{
		kithttp.ServerErrorEncoder(encodeError),
	}

	mux := chi.NewRouter()

	mux.Get("/status", kithttp.NewServer(
		statusEndpoint(svc),
		decodeStatusRequest,
		encodeResponse,
		opts...,
	).ServeHTTP)

	mux.Route("/rounds", func(r chi.Router) {
		r.Get("/", kithttp.NewServer(
			listRoundsEndpoint(svc),
			decodeListRoundsRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
		r.Get("/{step}", kithttp.NewServer(
			viewRoundEndpoint(svc),
			decodeRoundRequest,
			encodeResponse,
			opts...,
		).ServeHTTP)
	})

	mux.Get("/report", kithttp.NewServer(
		reportEndpoint(svc),
		decodeStatusRequest,
		encodeResponse,
		opts...,
	).ServeHTTP)

	mux.Get("/privacy", kithttp.NewServer(
		epsilonEndpoint(svc),
		decodeEpsilonRequest(defaultDelta),
		encodeResponse,
		opts...,
	).ServeHTTP)

	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = encodeResponse(r.Context(), w, healthRes{Status: "pass", Time: time.Now()})
	})
	mux.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(mux, "arbiter")
}

func decodeStatusRequest(_ context.Context, _ *http.Request) (interface{}, error) {
	return statusReq{}, nil
}

func decodeListRoundsRequest(_ context.Context, r *http.Request) (interface{}, error) {
	offset, err := readUintQuery(r, "offset", 0)
	if err != nil {
		return nil, err
	}
	limit, err := readUintQuery(r, "limit", 100)
	if err != nil {
		return nil, err
	}

	return roundsReq{offset: offset, limit: limit}, nil
}

func decodeRoundRequest(_ context.Context, r *http.Request) (interface{}, error) {
	step, err := strconv.ParseUint(chi.URLParam(r, "step"), 10, 64)
	if err != nil {
		return nil, errInvalidStep
	}

	return roundReq{step: step}, nil
}

func decodeEpsilonRequest(defaultDelta float64) kithttp.DecodeRequestFunc {
	return func(_ context.Context, r *http.Request) (interface{}, error) {
		delta := defaultDelta
		if v := r.URL.Query().Get("delta"); v != "" {
			d, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, errInvalidDelta
			}
			delta = d
		}

		return epsilonReq{delta: delta}, nil
	}
}

func readUintQuery(r *http.Request, key string, def uint64) (uint64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, errInvalidQuery
	}

	return n, nil
}

func encodeResponse(_ context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", contentType)

	return json.NewEncoder(w).Encode(response)
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	w.Header().Set("Content-Type", contentType)

	switch {
	case errors.Is(err, errInvalidStep),
		errors.Is(err, errInvalidQuery),
		errors.Is(err, errInvalidDelta),
		errors.Is(err, accountant.ErrInvalidDelta):
		w.WriteHeader(http.StatusBadRequest)
	case errors.Is(err, orchestration.ErrRoundNotFound),
		errors.Is(err, orchestration.ErrReportNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, arbiter.ErrNotFinished):
		w.WriteHeader(http.StatusConflict)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}

	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
