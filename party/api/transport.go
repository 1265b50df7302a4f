package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/absmach/dpsgd/party"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type healthRes struct {
	Status     string    `json:"status"`
	Role       string    `json:"role"`
	Rounds     int       `json:"rounds"`
	LastGlobal uint64    `json:"last_global_step,omitempty"`
	Time       time.Time `json:"time"`
}

// MakeHandler exposes the data holder's liveness and metrics.
func MakeHandler(svc *party.Service, roleID string) http.Handler {
	mux := chi.NewRouter()

	mux.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		res := healthRes{
			Status: "pass",
			Role:   roleID,
			Rounds: svc.Rounds(),
			Time:   time.Now(),
		}
		if g, ok := svc.LastGlobal(); ok {
			res.LastGlobal = g.Step
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})
	mux.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(mux, roleID)
}
