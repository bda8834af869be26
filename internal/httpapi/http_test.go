package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"dispatch_dashboard/internal/config"
	"dispatch_dashboard/internal/dashboard"
	"dispatch_dashboard/internal/events"
	"dispatch_dashboard/internal/metrics"
	"dispatch_dashboard/internal/normalize"
	"dispatch_dashboard/internal/poller"
	"dispatch_dashboard/internal/queue"
	"dispatch_dashboard/internal/simulation"
	"dispatch_dashboard/internal/store"
	"dispatch_dashboard/internal/view"
)

type fixture struct {
	router *Router
	mux    *http.ServeMux
	dash   *dashboard.Dashboard
	store  *store.Store
	bus    *events.Bus
}

func historyCalls(n int) []normalize.CallRecord {
	calls := make([]normalize.CallRecord, n)
	for i := range calls {
		typ, sev := "Medical", normalize.SeverityMedium
		if i%3 == 0 {
			typ, sev = "Structure Fire", normalize.SeverityCritical
		}
		calls[i] = normalize.CallRecord{
			ID:        normalize.DisplayID(i),
			Timestamp: time.Date(2025, 1, 1+i/6, 12, 0, i, 0, time.UTC).Format(time.RFC3339),
			Type:      typ,
			Severity:  sev,
			Status:    normalize.StatusResolved,
			Caller:    normalize.Caller{Name: fmt.Sprintf("Caller %d", i)},
		}
	}
	return calls
}

func activeSnapshot() poller.Snapshot[normalize.Emergency] {
	items := []normalize.Emergency{
		{ID: "CALL-001", Key: "conv_a", Time: "2025-01-01T10:00:00Z", Type: "Fire", Severity: normalize.SeverityCritical, Status: normalize.StatusActive,
			Location: normalize.Location{Address: "1 Main St", Coordinates: [2]float64{-86.78, 36.16}}},
		{ID: "CALL-002", Key: "conv_b", Time: "2025-01-01T11:00:00Z", Type: "Medical", Severity: normalize.SeverityLow, Status: normalize.StatusActive,
			Location: normalize.Location{Address: "2 Main St", Coordinates: [2]float64{-86.77, 36.15}}},
	}
	return poller.Snapshot[normalize.Emergency]{Items: items, Source: poller.SourceLive, Generation: 1}
}

func setupTest(t *testing.T, cfg config.Config, generatorURL string) *fixture {
	t.Helper()
	if cfg.HistoryPageSize == 0 {
		cfg.HistoryPageSize = 5
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dash := dashboard.New(10, nil)
	dash.Apply(activeSnapshot())

	history := poller.New(poller.Options[normalize.CallRecord]{
		Name:  "history",
		Fetch: func(context.Context) ([]normalize.CallRecord, error) { return historyCalls(12), nil },
	})
	history.Refresh(ctx)

	live := poller.New(poller.Options[normalize.Emergency]{
		Name:  "live",
		Fetch: func(context.Context) ([]normalize.Emergency, error) { return activeSnapshot().Items, nil },
	})
	live.Refresh(ctx)

	q := queue.New(4, 1, 5*time.Second, nil)
	q.Start(ctx)
	m := metrics.New()
	svc := simulation.NewService(simulation.NewClient(generatorURL, "", time.Second, nil), q, simulation.Options{Runs: st, Counter: m})
	bus := events.NewBus()

	router := NewRouter(Deps{
		Config:     cfg,
		Dashboard:  dash,
		History:    history,
		Live:       live,
		Simulation: svc,
		Store:      st,
		Bus:        bus,
		Metrics:    m,
		Queue:      q,
	})
	mux := http.NewServeMux()
	router.Register(mux)
	return &fixture{router: router, mux: mux, dash: dash, store: st, bus: bus}
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) history(t *testing.T, target, session string) historyResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if session != "" {
		req.Header.Set(HistorySessionHeader, session)
	}
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	return decode[historyResponse](t, rr)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthEndpoint(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	rr := f.do(http.MethodGet, "/ops/health", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)

	require.NoError(t, f.store.Close())
	rr = f.do(http.MethodGet, "/ops/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestEmergenciesEndpoint(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	rr := f.do(http.MethodGet, "/api/emergencies", "")
	require.Equal(t, http.StatusOK, rr.Code)
	v := decode[dashboard.ActiveView](t, rr)
	require.Len(t, v.Emergencies, 2)
	assert.Equal(t, "CALL-002", v.Emergencies[0].ID)
	assert.Equal(t, 2, v.ActiveCount)
	assert.Equal(t, poller.SourceLive, v.Source)
}

func TestResolveEndpoint(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	ch, unsubscribe := f.bus.Subscribe()
	defer unsubscribe()

	rr := f.do(http.MethodPost, "/api/emergencies/CALL-001/resolve", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.EqualValues(t, 1, body["activeCount"])

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeResolved, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected resolved event")
	}

	rr = f.do(http.MethodPost, "/api/emergencies/CALL-001/resolve", "")
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = f.do(http.MethodPost, "/api/emergencies/conv_b/resolve", "")
	assert.Equal(t, http.StatusOK, rr.Code, "source key lookup")

	rr = f.do(http.MethodPost, "/api/emergencies/CALL-999/resolve", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSelectEndpoint(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	rr := f.do(http.MethodPost, "/api/emergencies/CALL-002/select", "")
	require.Equal(t, http.StatusOK, rr.Code)
	v := f.dash.View()
	require.NotNil(t, v.Selected)
	assert.Equal(t, "CALL-002", v.Selected.ID)
}

func TestClearSelectionEndpoint(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	ch, unsubscribe := f.bus.Subscribe()
	defer unsubscribe()

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/emergencies/CALL-001/select", "").Code)
	<-ch
	require.NotNil(t, f.dash.View().Selected)

	rr := f.do(http.MethodDelete, "/api/selection", "")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Nil(t, f.dash.View().Selected)
	assert.Equal(t, events.TypeSelectionCleared, (<-ch).Type)
}

func TestHistoryPaging(t *testing.T) {
	f := setupTest(t, config.Config{}, "")

	rr := f.do(http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, rr.Code)
	first := decode[historyResponse](t, rr)
	assert.Equal(t, 12, first.Total)
	assert.Equal(t, 3, first.TotalPages)
	assert.Len(t, first.Items, 5)
	assert.Equal(t, poller.SourceLive, first.Source)

	rr = f.do(http.MethodGet, "/api/history?page=3", "")
	last := decode[historyResponse](t, rr)
	assert.Equal(t, 3, last.Page)
	assert.Len(t, last.Items, 2)

	rr = f.do(http.MethodGet, "/api/history?type=Structure+Fire", "")
	filtered := decode[historyResponse](t, rr)
	assert.Equal(t, 1, filtered.Page)
	assert.Equal(t, 4, filtered.Total)
	assert.Equal(t, "all", filtered.Filters.Severity)
	for _, c := range filtered.Items {
		assert.Equal(t, "Structure Fire", c.Type)
	}

	rr = f.do(http.MethodGet, "/api/history?page=9&type=Structure+Fire", "")
	past := decode[historyResponse](t, rr)
	assert.Equal(t, 9, past.Page)
	assert.Empty(t, past.Items)
	assert.NotNil(t, past.Items)
}

func TestHistoryWithoutSessionHonorsExplicitPage(t *testing.T) {
	f := setupTest(t, config.Config{}, "")

	a := f.history(t, "/api/history?page=3", "")
	require.Equal(t, 3, a.Page)

	f.history(t, "/api/history?type=Medical&severity=medium", "")

	a = f.history(t, "/api/history?page=3", "")
	assert.Equal(t, 3, a.Page)
	assert.Equal(t, "all", a.Filters.Type)
	assert.Len(t, a.Items, 2)
}

func TestHistorySessionsAreIsolated(t *testing.T) {
	f := setupTest(t, config.Config{}, "")

	a := f.history(t, "/api/history?page=3", "client-a")
	require.Equal(t, 3, a.Page)

	b := f.history(t, "/api/history?type=Structure+Fire&page=2", "client-b")
	assert.Equal(t, 1, b.Page, "filter change resets the page")
	assert.Equal(t, 4, b.Total)

	a = f.history(t, "/api/history", "client-a")
	assert.Equal(t, 3, a.Page)
	assert.Equal(t, "all", a.Filters.Type)

	b = f.history(t, "/api/history?type=Structure+Fire", "client-b")
	assert.Equal(t, "Structure Fire", b.Filters.Type)
	assert.Equal(t, 1, b.Page)

	b = f.history(t, "/api/history?type=Structure+Fire&page=2", "client-b")
	assert.Equal(t, 2, b.Page, "page moves when filters are unchanged")
	assert.Equal(t, 2, f.router.HistorySessions.Len())
}

func TestHistoryRejectsBadParams(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/history?page=zero", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/history?severity=extreme", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/history?page=-1", "").Code)
}

func TestHistoryHugePage(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	target := fmt.Sprintf("/api/history?page=%d", math.MaxInt)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, target, "").Code)

	maxed := f.history(t, fmt.Sprintf("/api/history?page=%d", view.MaxPage), "client")
	assert.Equal(t, view.MaxPage, maxed.Page)
	assert.Empty(t, maxed.Items)

	again := f.history(t, "/api/history", "client")
	assert.Equal(t, view.MaxPage, again.Page)
	assert.Empty(t, again.Items)

	rr := f.do(http.MethodGet, "/api/history?page=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[historyResponse](t, rr).Items, 5)
}

func TestHistoryFilterOptions(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	rr := f.do(http.MethodGet, "/api/history/filters", "")
	require.Equal(t, http.StatusOK, rr.Code)
	opts := decode[map[string][]string](t, rr)
	assert.Equal(t, []string{"all", "Medical", "Structure Fire"}, opts["types"])
	assert.Equal(t, []string{"all", "1/2/2025", "1/1/2025"}, opts["dates"])
}

func TestHistoryExport(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	rr := f.do(http.MethodGet, "/api/history/export?severity=critical", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "call-history.xlsx")

	wb, err := excelize.OpenReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows(wb.GetSheetList()[0])
	require.NoError(t, err)
	assert.Len(t, rows, 5, "header plus four critical calls")
}

func TestLiveEndpoint(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	rr := f.do(http.MethodGet, "/api/live", "")
	require.Equal(t, http.StatusOK, rr.Code)
	live := decode[liveResponse](t, rr)
	assert.Len(t, live.Calls, 2)
	assert.Equal(t, 2, live.Stats.Total)
	assert.Equal(t, 1, live.Stats.Critical)
	assert.Equal(t, 1, live.Stats.Low)
}

func TestMapRequiresToken(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	rr := f.do(http.MethodGet, "/api/map", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode[map[string]string](t, rr)
	assert.Equal(t, "map", body["feature"])

	f = setupTest(t, config.Config{MapboxToken: "pk.test"}, "")
	rr = f.do(http.MethodGet, "/api/map", "")
	require.Equal(t, http.StatusOK, rr.Code)
	cfg := decode[dashboard.MapConfig](t, rr)
	assert.Equal(t, "pk.test", cfg.Token)
	assert.Equal(t, "Nashville", cfg.City.Name)
}

func TestStreetViewRequiresKey(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	rr := f.do(http.MethodGet, "/api/streetview/CALL-001", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode[map[string]string](t, rr)
	assert.Equal(t, "Google Maps API key not configured", body["error"])

	f = setupTest(t, config.Config{GoogleMapsKey: "g-key"}, "")
	rr = f.do(http.MethodGet, "/api/streetview/CALL-001", "")
	require.Equal(t, http.StatusOK, rr.Code)
	sv := decode[dashboard.StreetView](t, rr)
	assert.Equal(t, "1 Main St", sv.Address)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/streetview/CALL-404", "").Code)
}

func TestCityEndpoints(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	rr := f.do(http.MethodPost, "/api/city", `{"name":"chicago"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Chicago", f.dash.City().Name)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/city", `{"name":"Atlantis"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/city", `{`).Code)

	rr = f.do(http.MethodGet, "/api/cities", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"current":{"name":"Chicago"`)
}

func TestSimulationValidation(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	rr := f.do(http.MethodPost, "/api/simulation/start", `{"scenario":"la_wildfire","num_calls":5}`)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "simulation", decode[map[string]any](t, rr)["feature"])

	f = setupTest(t, config.Config{}, "http://127.0.0.1:1")
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/simulation/start", `{"scenario":"volcano","num_calls":5}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/simulation/start", `{"scenario":"la_wildfire","num_calls":0}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/simulation/start", `not json`).Code)
}

func TestSimulationRun(t *testing.T) {
	release := make(chan struct{})
	gen := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"ok","successful":4,"failed":0,"sample_calls":[{"call_id":"X"}]}`))
	}))
	defer gen.Close()
	f := setupTest(t, config.Config{}, gen.URL)

	rr := f.do(http.MethodPost, "/api/simulation/start", `{"scenario":"earthquake_sf","num_calls":4}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	st := decode[simulation.Status](t, rr)
	assert.True(t, st.IsRunning)

	rr = f.do(http.MethodPost, "/api/simulation/start", `{"scenario":"earthquake_sf","num_calls":4}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	close(release)
	require.Eventually(t, func() bool {
		rr := f.do(http.MethodGet, "/api/simulation", "")
		return !decode[simulation.Status](t, rr).IsRunning
	}, 2*time.Second, 10*time.Millisecond)

	st = decode[simulation.Status](t, f.do(http.MethodGet, "/api/simulation", ""))
	assert.Equal(t, 4, st.GeneratedCalls)
	assert.Len(t, st.SampleCalls, 1)

	st = decode[simulation.Status](t, f.do(http.MethodPost, "/api/simulation/reset", ""))
	assert.Equal(t, 0, st.GeneratedCalls)
	assert.Equal(t, simulation.MessageReady, st.Message)

	rr = f.do(http.MethodGet, "/ops/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"simulationRuns"`)
	assert.Contains(t, rr.Body.String(), `"succeeded"`)
}

func TestScenariosEndpoint(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	rr := f.do(http.MethodGet, "/api/simulation/scenarios", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]simulation.Scenario](t, rr), len(simulation.Scenarios))
}

func TestRefreshEndpoint(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	f.router.Refresh = func(context.Context) map[string]poller.Source {
		return map[string]poller.Source{"active": poller.SourceFallback}
	}
	rr := f.do(http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "fallback", decode[map[string]string](t, rr)["active"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	rr := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestEventStream(t *testing.T) {
	f := setupTest(t, config.Config{}, "")
	srv := httptest.NewServer(f.router.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	require.Eventually(t, func() bool { return f.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	f.bus.Publish(events.TypeCity, dashboard.Cities[1])

	buf := make([]byte, 4096)
	var got strings.Builder
	for !strings.Contains(got.String(), "event: city.changed") {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	assert.Contains(t, got.String(), `"New York"`)
}
