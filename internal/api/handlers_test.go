package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetopt/internal/assign"
	"fleetopt/internal/auth"
	"fleetopt/internal/estimate"
	"fleetopt/internal/model"
	"fleetopt/internal/opt"
	"fleetopt/internal/store"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func testDriver(id string, lat float64) model.Driver {
	return model.Driver{
		ID: id, Name: id, Status: model.DriverActive,
		Base:   model.Location{Address: "base-" + id, Lat: lat},
		Skills: []string{"stairs"}, VehicleID: "v-" + id, VehicleCapacity: 10,
		Shifts: []model.Shift{{ID: id + "-s", Start: t0.Add(-6 * time.Hour), End: t0.Add(8 * time.Hour), Active: true}},
	}
}

func testJob(id string, at time.Time) model.Job {
	return model.Job{
		ID: id, CustomerID: "c1",
		Pickup:      model.Location{Address: "pickup", Lat: 0, Lng: 0},
		Dropoff:     model.Location{Address: "dropoff", Lat: 0.1, Lng: 0},
		ScheduledAt: at, Priority: model.PriorityStandard, ItemCount: 2,
		RequiredSkills: []string{"stairs"}, Status: model.JobPending,
	}
}

type testEnv struct {
	srv     *Server
	store   *store.Memory
	machine *assign.Machine
	h       http.Handler
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemory()
	for _, d := range []model.Driver{testDriver("d1", 0.01), testDriver("d2", 0.05)} {
		require.NoError(t, ms.UpsertDriver(ctx, d))
	}
	for _, j := range []model.Job{testJob("j1", t0), testJob("j2", t0), testJob("j-late", t0.Add(24*time.Hour))} {
		require.NoError(t, ms.UpsertJob(ctx, j))
	}
	broker := NewBroker()
	m := assign.New(ms, assign.Options{
		Logger: quietLog, Sink: BrokerSink{Broker: broker},
		Now: func() time.Time { return t0.Add(-3 * time.Hour) },
	})
	e := opt.NewEngine(opt.Deps{
		Jobs: ms, Drivers: ms, History: ms, Assignments: ms,
		Estimator: estimate.Haversine{}, Cost: estimate.RateCard{BaseFee: 20, PerMile: 2},
		Machine: m, Logger: quietLog,
	}, opt.DefaultTunables())
	m.OnRelease(e.HandleRelease)
	t.Cleanup(m.Wait)

	s := &Server{
		Engine: e, Machine: m, Store: ms, Broker: broker, Logger: quietLog,
		Auth: auth.NewVerifier("dev", ""), RequestTimeout: 5 * time.Second,
	}
	return &testEnv{srv: s, store: ms, machine: m, h: s.Handler()}
}

func (env *testEnv) do(t *testing.T, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	env.h.ServeHTTP(rr, req)
	return rr
}

func asDriver(id string) map[string]string {
	return map[string]string{"X-Role": "driver", "X-Driver-Id": id}
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthReady(t *testing.T) {
	env := newTestServer(t)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", nil, nil).Code)
}

func TestOptimizeAcceptFlow(t *testing.T) {
	env := newTestServer(t)

	rr := env.do(t, http.MethodPost, "/v1/jobs/j1/optimize", map[string]any{"objectives": []string{"minimize_time"}}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	res := decode[model.AssignmentResult](t, rr)
	require.NotNil(t, res.Assignment)
	assert.Equal(t, "d1", res.Assignment.DriverID)
	assert.Equal(t, model.StatusInvited, res.Assignment.Status)
	assert.Len(t, res.Alternatives, 1)

	rr = env.do(t, http.MethodGet, "/v1/jobs/j1/assignment", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, res.Assignment.ID, decode[model.Assignment](t, rr).ID)

	path := "/v1/assignments/" + res.Assignment.ID
	rr = env.do(t, http.MethodPost, path+"/accept", nil, asDriver("d2"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = env.do(t, http.MethodGet, path, nil, asDriver("d2"))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, path+"/accept", nil, asDriver("d1"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, model.StatusConfirmed, decode[model.Assignment](t, rr).Status)

	rr = env.do(t, http.MethodPost, path+"/decline", nil, asDriver("d1"))
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.do(t, http.MethodGet, "/v1/jobs/j1/assignments", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	hist := decode[struct {
		Items  []model.Assignment      `json:"items"`
		Events []model.AssignmentEvent `json:"events"`
	}](t, rr)
	assert.Len(t, hist.Items, 1)
	assert.Len(t, hist.Events, 2)

	rr = env.do(t, http.MethodGet, "/v1/decisions?jobId=j1", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decs := decode[struct {
		Items []opt.Decision `json:"items"`
	}](t, rr)
	require.NotEmpty(t, decs.Items)
	assert.Equal(t, "d1", decs.Items[0].DriverID)
}

func TestOptimizeErrors(t *testing.T) {
	env := newTestServer(t)
	cases := []struct {
		name   string
		path   string
		body   any
		hdr    map[string]string
		status int
		title  string
	}{
		{"unknown job", "/v1/jobs/nope/optimize", nil, nil, http.StatusNotFound, "Not Found"},
		{"no eligible driver", "/v1/jobs/j-late/optimize", nil, nil, http.StatusUnprocessableEntity, "No Eligible Driver"},
		{"bad objective", "/v1/jobs/j1/optimize", map[string]any{"objectives": []string{"fastest"}}, nil, http.StatusBadRequest, "Invalid Request"},
		{"negative timeout", "/v1/jobs/j1/optimize", map[string]any{"timeoutMs": -1}, nil, http.StatusBadRequest, "Invalid Request"},
		{"unknown field", "/v1/jobs/j1/optimize", map[string]any{"driver": "d1"}, nil, http.StatusBadRequest, "Invalid Request"},
		{"driver role", "/v1/jobs/j1/optimize", nil, asDriver("d1"), http.StatusForbidden, "Forbidden"},
		{"bad action", "/v1/jobs/j1/reassign", nil, nil, http.StatusNotFound, "Not Found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, tc.path, tc.body, tc.hdr)
			require.Equal(t, tc.status, rr.Code, rr.Body.String())
			p := decode[Problem](t, rr)
			assert.Equal(t, tc.title, p.Title)
		})
	}

	rr := env.do(t, http.MethodPost, "/v1/jobs/j-late/optimize", nil, nil)
	assert.Equal(t, "no driver available, job requires manual dispatch", decode[Problem](t, rr).Detail)
}

func TestOptimizeConflictIsReported(t *testing.T) {
	env := newTestServer(t)
	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = env.do(t, http.MethodPost, "/v1/jobs/j1/optimize", nil, nil).Code
		}(i)
	}
	wg.Wait()
	assert.ElementsMatch(t, []int{http.StatusCreated, http.StatusConflict}, codes)

	rr := env.do(t, http.MethodPost, "/v1/jobs/j1/optimize", nil, nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, string(model.ConflictJobReserved), decode[Problem](t, rr).Reason)
}

func TestDeclineReoffersToNextDriver(t *testing.T) {
	env := newTestServer(t)
	rr := env.do(t, http.MethodPost, "/v1/jobs/j1/optimize", nil, nil)
	require.Equal(t, http.StatusCreated, rr.Code)
	first := decode[model.AssignmentResult](t, rr).Assignment

	rr = env.do(t, http.MethodPost, "/v1/assignments/"+first.ID+"/decline", map[string]string{"reason": "too far"}, asDriver("d1"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, model.StatusDeclined, decode[model.Assignment](t, rr).Status)

	require.Eventually(t, func() bool {
		a, ok, err := env.store.CurrentForJob(context.Background(), "j1")
		return err == nil && ok && a.DriverID == "d2" && a.Round == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFleetEndpoints(t *testing.T) {
	env := newTestServer(t)

	rr := env.do(t, http.MethodPost, "/v1/fleet/utilization", map[string]any{"start": t0, "end": t0.Add(-time.Hour)}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/fleet/utilization", map[string]any{"start": t0.Add(-6 * time.Hour), "end": t0.Add(4 * time.Hour)}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rep := decode[model.FleetReport](t, rr)
	assert.Len(t, rep.Drivers, 2)

	rr = env.do(t, http.MethodPost, "/v1/fleet/allocations", map[string]any{"jobIds": []string{}}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/fleet/allocations", map[string]any{"jobIds": []string{"j1", "j2", "missing"}}, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	alloc := decode[struct {
		Items []model.ResourceAllocation `json:"items"`
	}](t, rr)
	require.Len(t, alloc.Items, 1)
	assert.Equal(t, "j1", alloc.Items[0].JobID)
	assert.Equal(t, "d1", alloc.Items[0].DriverID)

	rr = env.do(t, http.MethodGet, "/v1/fleet/allocations", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestSubscriptions(t *testing.T) {
	env := newTestServer(t)

	rr := env.do(t, http.MethodPost, "/v1/subscriptions", map[string]any{"url": "https://hooks.example.com/x", "events": []string{"route.updated"}}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(t, http.MethodPost, "/v1/subscriptions", map[string]any{"url": "https://hooks.example.com/x", "events": []string{model.EventAssignmentOffered}}, asDriver("d1"))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/subscriptions", map[string]any{
		"url": "https://hooks.example.com/x", "events": []string{model.EventAssignmentOffered}, "secret": "k",
	}, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	sub := decode[model.Subscription](t, rr)
	assert.Equal(t, "default", sub.TenantID)

	rr = env.do(t, http.MethodGet, "/v1/subscriptions", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Items []model.Subscription `json:"items"`
	}](t, rr)
	require.Len(t, list.Items, 1)
	assert.Empty(t, list.Items[0].Secret)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil, nil).Code)

	rr = env.do(t, http.MethodGet, "/v1/admin/webhook-deliveries?status=pending", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHMACModeRequiresToken(t *testing.T) {
	env := newTestServer(t)
	env.srv.Auth = auth.NewVerifier("hmac", "s3cret")

	rr := env.do(t, http.MethodPost, "/v1/fleet/allocations", map[string]any{"jobIds": []string{"j1"}}, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	tok, err := auth.SignHS256([]byte("s3cret"), map[string]any{"tenant": "default", "role": "dispatcher"})
	require.NoError(t, err)
	rr = env.do(t, http.MethodPost, "/v1/fleet/allocations", map[string]any{"jobIds": []string{"j1"}}, map[string]string{"Authorization": "Bearer " + tok})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodPost, "/v1/fleet/allocations", nil, map[string]string{"Authorization": "Bearer junk"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestServer(t)
	env.srv.RateRPS, env.srv.RateBurst = 0.001, 1
	env.h = env.srv.Handler()

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil, nil).Code)
	rr := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	// other tenants keep their own bucket
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil, map[string]string{"X-Tenant-Id": "t2"}).Code)
}

func TestOpenAPIAndDebug(t *testing.T) {
	env := newTestServer(t)
	rr := env.do(t, http.MethodGet, "/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	doc := decode[map[string]any](t, rr)
	assert.Equal(t, "3.0.3", doc["openapi"])
	assert.Contains(t, doc["paths"], "/v1/jobs/{id}/optimize")

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/openapi.yaml", nil, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/debug/info", nil, nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodGet, "/debug/info", nil, asDriver("d1")).Code)

	rr = env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "fleetopt_http_requests_total")
}
