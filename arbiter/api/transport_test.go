package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/absmach/dpsgd/arbiter"
	"github.com/absmach/dpsgd/arbiter/api"
	"github.com/absmach/dpsgd/pkg/fl"
	"github.com/absmach/dpsgd/pkg/optimizer"
	"github.com/absmach/dpsgd/pkg/orchestration"
	"github.com/absmach/dpsgd/pkg/orchestration/store"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

type constModel struct{}

func (constModel) NumParams() int        { return 2 }
func (constModel) Init(uint64) []float64 { return []float64{0, 0} }

func (constModel) Forward(_ []float64, features [][]float64) ([][]float64, error) {
	return features, nil
}

func (constModel) Backward(_ []float64, features [][]float64, _ []float64) ([][]float64, error) {
	return features, nil
}

type holder string

func (h holder) ID() string { return string(h) }

func (h holder) Prepare(context.Context) (orchestration.PartitionInfo, error) {
	return orchestration.PartitionInfo{Size: 20, NumFeatures: 2}, nil
}

func (h holder) RunRound(_ context.Context, task orchestration.RoundTask) (fl.Contribution, error) {
	return fl.Contribution{Step: task.Step, Count: 10, Sum: []float64{1, -1}}, nil
}

func newService(t *testing.T, noise float64) arbiter.Service {
	t.Helper()

	opt, err := optimizer.New(optimizer.SGD, 1)
	if err != nil {
		t.Fatalf("optimizer.New: %v", err)
	}
	holders := arbiter.StaticHolders{holder("host"), holder("guest")}
	st := store.NewMemoryStateStore()
	cfg := orchestration.Config{JobID: "job", Delta: 1e-3, NoiseMultiplier: noise, BatchSize: 10, Epochs: 1}
	orch, err := orchestration.New(cfg, holders, constModel{}, opt, logger, orchestration.WithStateStore(st))
	if err != nil {
		t.Fatalf("orchestration.New: %v", err)
	}

	return arbiter.NewService("job", orch, holders, st, logger)
}

func get(t *testing.T, ts *httptest.Server, path string) (int, map[string]any) {
	t.Helper()

	res, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer res.Body.Close()

	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("GET %s content type = %q", path, ct)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}

	return res.StatusCode, body
}

func TestHandlerBeforeRun(t *testing.T) {
	ts := httptest.NewServer(api.MakeHandler(newService(t, 1), 1e-3))
	defer ts.Close()

	code, body := get(t, ts, "/status")
	if code != http.StatusOK || body["state"] != string(orchestration.StateInit) {
		t.Errorf("/status = %d %v", code, body)
	}
	if holders, ok := body["holders"].([]any); !ok || len(holders) != 2 {
		t.Errorf("/status holders = %v", body["holders"])
	}
	if code, _ := get(t, ts, "/report"); code != http.StatusConflict {
		t.Errorf("/report before run = %d, want 409", code)
	}
	if code, body := get(t, ts, "/privacy"); code != http.StatusOK || body["epsilon"] != float64(0) {
		t.Errorf("/privacy before run = %d %v", code, body)
	}
	if code, body := get(t, ts, "/health"); code != http.StatusOK || body["status"] != "pass" {
		t.Errorf("/health = %d %v", code, body)
	}
}

func TestHandlerAfterRun(t *testing.T) {
	svc := newService(t, 1)
	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ts := httptest.NewServer(api.MakeHandler(svc, 1e-3))
	defer ts.Close()

	cases := []struct {
		path string
		code int
	}{
		{path: "/status", code: http.StatusOK},
		{path: "/rounds", code: http.StatusOK},
		{path: "/rounds?offset=1&limit=1", code: http.StatusOK},
		{path: "/rounds?limit=5000", code: http.StatusBadRequest},
		{path: "/rounds?offset=-1", code: http.StatusBadRequest},
		{path: "/rounds/1", code: http.StatusOK},
		{path: "/rounds/9", code: http.StatusNotFound},
		{path: "/rounds/first", code: http.StatusBadRequest},
		{path: "/report", code: http.StatusOK},
		{path: "/privacy?delta=1e-5", code: http.StatusOK},
		{path: "/privacy?delta=1.5", code: http.StatusBadRequest},
		{path: "/privacy?delta=abc", code: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			code, body := get(t, ts, tc.path)
			if code != tc.code {
				t.Errorf("GET %s = %d, want %d (%v)", tc.path, code, tc.code, body)
			}
			if code >= http.StatusBadRequest && body["error"] == "" {
				t.Errorf("GET %s: missing error message", tc.path)
			}
		})
	}

	_, page := get(t, ts, "/rounds?offset=1&limit=1")
	rounds, _ := page["rounds"].([]any)
	if page["total"] != float64(2) || len(rounds) != 1 {
		t.Errorf("/rounds page = %v", page)
	}

	_, report := get(t, ts, "/report")
	if report["reason"] != orchestration.ReasonCompleted || report["steps"] != float64(2) {
		t.Errorf("/report = %v", report)
	}
	if eps, ok := report["epsilon"].(float64); !ok || eps <= 0 {
		t.Errorf("/report epsilon = %v", report["epsilon"])
	}
}

func TestHandlerInfiniteEpsilon(t *testing.T) {
	svc := newService(t, 0)
	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ts := httptest.NewServer(api.MakeHandler(svc, 1e-3))
	defer ts.Close()

	for _, path := range []string{"/report", "/privacy", "/status", "/rounds/0"} {
		code, body := get(t, ts, path)
		if code != http.StatusOK || body["epsilon"] != "+Inf" {
			t.Errorf("GET %s = %d epsilon %v, want +Inf", path, code, body["epsilon"])
		}
	}
}
