package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"dispatch_dashboard/internal/config"
	"dispatch_dashboard/internal/dashboard"
	"dispatch_dashboard/internal/events"
	"dispatch_dashboard/internal/export"
	"dispatch_dashboard/internal/metrics"
	"dispatch_dashboard/internal/normalize"
	"dispatch_dashboard/internal/poller"
	"dispatch_dashboard/internal/queue"
	"dispatch_dashboard/internal/simulation"
	"dispatch_dashboard/internal/store"
	"dispatch_dashboard/internal/view"
)

// OpsStore is the slice of the ops database the API reads.
type OpsStore interface {
	ListFetchRuns(ctx context.Context, limit int) ([]store.FetchRun, error)
	ListSimulationRuns(ctx context.Context, limit int) ([]store.SimulationRun, error)
	Health(ctx context.Context) error
}

// HistorySessionHeader names the browser session whose history filters and page
// persist between requests. Requests without it are stateless.
const HistorySessionHeader = "X-History-Session"

// Deps wires the router to the rest of the service. Store, Bus, Metrics and Queue
// may be nil.
type Deps struct {
	Config          config.Config
	Dashboard       *dashboard.Dashboard
	History         *poller.Poller[normalize.CallRecord]
	HistorySessions *view.Sessions
	Live            *poller.Poller[normalize.Emergency]
	Simulation      *simulation.Service
	Refresh         func(ctx context.Context) map[string]poller.Source
	Store           OpsStore
	Bus             *events.Bus
	Metrics         *metrics.Metrics
	Queue           *queue.Queue
	// Checks are extra named health checks for optional infrastructure.
	Checks map[string]func(ctx context.Context) error
	Logger *zap.Logger
}

// Router builds HTTP handlers for /api and /ops.
type Router struct {
	Deps
	loc *time.Location
}

func NewRouter(d Deps) *Router {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.HistorySessions == nil {
		d.HistorySessions = view.NewSessions(0)
	}
	return &Router{Deps: d, loc: d.Config.Location()}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/emergencies", r.emergencies)
	mux.HandleFunc("POST /api/emergencies/{id}/resolve", r.resolve)
	mux.HandleFunc("POST /api/emergencies/{id}/select", r.selectEmergency)
	mux.HandleFunc("DELETE /api/selection", r.clearSelection)
	mux.HandleFunc("GET /api/history", r.history)
	mux.HandleFunc("GET /api/history/filters", r.historyFilters)
	mux.HandleFunc("GET /api/history/export", r.historyExport)
	mux.HandleFunc("GET /api/live", r.live)
	mux.HandleFunc("GET /api/simulation", r.simulationStatus)
	mux.HandleFunc("GET /api/simulation/scenarios", r.scenarios)
	mux.HandleFunc("POST /api/simulation/start", r.simulationStart)
	mux.HandleFunc("POST /api/simulation/stop", r.simulationStop)
	mux.HandleFunc("POST /api/simulation/reset", r.simulationReset)
	mux.HandleFunc("GET /api/cities", r.cities)
	mux.HandleFunc("POST /api/city", r.setCity)
	mux.HandleFunc("GET /api/map", r.mapConfig)
	mux.HandleFunc("GET /api/streetview/{id}", r.streetView)
	mux.HandleFunc("POST /api/refresh", r.refresh)
	mux.HandleFunc("GET /api/events", r.events)
	mux.HandleFunc("GET /ops/health", r.health)
	mux.HandleFunc("GET /ops/status", r.status)
	if r.Metrics != nil {
		mux.Handle("GET /metrics", r.Metrics.Handler())
	}
}

// Handler returns the registered mux wrapped with request logging and CORS.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	r.Register(mux)
	return r.withLogging(withCORS(mux))
}

func (r *Router) emergencies(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.Dashboard.View())
}

func (r *Router) resolve(w http.ResponseWriter, req *http.Request) {
	e, err := r.Dashboard.Resolve(req.PathValue("id"))
	if err != nil {
		r.respondError(w, err)
		return
	}
	r.publish(events.TypeResolved, e)
	respondJSON(w, http.StatusOK, map[string]any{"emergency": e, "activeCount": r.Dashboard.ActiveCount()})
}

func (r *Router) selectEmergency(w http.ResponseWriter, req *http.Request) {
	e, err := r.Dashboard.Select(req.PathValue("id"))
	if err != nil {
		r.respondError(w, err)
		return
	}
	r.publish(events.TypeSelected, e)
	respondJSON(w, http.StatusOK, e)
}

func (r *Router) clearSelection(w http.ResponseWriter, req *http.Request) {
	r.Dashboard.ClearSelection()
	r.publish(events.TypeSelectionCleared, nil)
	w.WriteHeader(http.StatusNoContent)
}

type historyResponse struct {
	Items      []normalize.CallRecord `json:"items"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"pageSize"`
	Total      int                    `json:"total"`
	TotalPages int                    `json:"totalPages"`
	Filters    view.Query             `json:"filters"`
	Source     poller.Source          `json:"source"`
	Error      string                 `json:"error,omitempty"`
	Generation uint64                 `json:"generation"`
	FetchedAt  time.Time              `json:"fetchedAt"`
}

func (r *Router) history(w http.ResponseWriter, req *http.Request) {
	q, err := parseQuery(req)
	if err != nil {
		r.respondError(w, err)
		return
	}
	if token := req.Header.Get(HistorySessionHeader); token != "" {
		q = r.HistorySessions.Get(token).Apply(q)
	} else {
		q = q.Normalize()
	}
	snap := r.History.Snapshot()
	page := view.History(snap.Items, q, r.Config.HistoryPageSize, r.loc)
	respondJSON(w, http.StatusOK, historyResponse{
		Items:      page.Items,
		Page:       page.Page,
		PageSize:   page.PageSize,
		Total:      page.Total,
		TotalPages: page.TotalPages,
		Filters:    q,
		Source:     snap.Source,
		Error:      snap.Error,
		Generation: snap.Generation,
		FetchedAt:  snap.FetchedAt,
	})
}

func (r *Router) historyFilters(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, view.FilterOptions(r.History.Snapshot().Items, r.loc))
}

func (r *Router) historyExport(w http.ResponseWriter, req *http.Request) {
	q, err := parseQuery(req)
	if err != nil {
		r.respondError(w, err)
		return
	}
	calls := view.Filter(r.History.Snapshot().Items, q, r.loc)
	data, err := export.HistoryWorkbook(calls)
	if err != nil {
		r.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="call-history.xlsx"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseQuery(req *http.Request) (view.Query, error) {
	v := req.URL.Query()
	q := view.Query{
		Search:   v.Get("q"),
		Type:     v.Get("type"),
		Severity: v.Get("severity"),
		Date:     v.Get("date"),
	}
	if p := v.Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > view.MaxPage {
			return q, badRequest(fmt.Sprintf("page must be an integer between 1 and %d", view.MaxPage))
		}
		q.Page = n
	}
	if q.Severity != "" && q.Severity != view.All && !normalize.Severity(q.Severity).Valid() {
		return q, badRequest(fmt.Sprintf("unknown severity %q", q.Severity))
	}
	return q, nil
}

type liveResponse struct {
	Calls      []normalize.Emergency `json:"calls"`
	Stats      normalize.LiveStats   `json:"stats"`
	Source     poller.Source         `json:"source"`
	Error      string                `json:"error,omitempty"`
	Generation uint64                `json:"generation"`
	FetchedAt  time.Time             `json:"fetchedAt"`
}

func (r *Router) live(w http.ResponseWriter, req *http.Request) {
	snap := r.Live.Snapshot()
	respondJSON(w, http.StatusOK, liveResponse{
		Calls:      snap.Items,
		Stats:      normalize.Stats(snap.Items),
		Source:     snap.Source,
		Error:      snap.Error,
		Generation: snap.Generation,
		FetchedAt:  snap.FetchedAt,
	})
}

func (r *Router) simulationStatus(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.Simulation.Status())
}

func (r *Router) scenarios(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, simulation.Scenarios)
}

func (r *Router) simulationStart(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Scenario string `json:"scenario"`
		NumCalls int    `json:"num_calls"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		r.respondError(w, badRequest("invalid JSON body"))
		return
	}
	st, err := r.Simulation.Start(req.Context(), body.Scenario, body.NumCalls)
	if err != nil {
		r.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, st)
}

func (r *Router) simulationStop(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.Simulation.Stop(req.Context()))
}

func (r *Router) simulationReset(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, r.Simulation.Reset())
}

func (r *Router) cities(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"cities": dashboard.Cities, "current": r.Dashboard.City()})
}

func (r *Router) setCity(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		r.respondError(w, badRequest("invalid JSON body"))
		return
	}
	c, err := r.Dashboard.SetCity(body.Name)
	if err != nil {
		r.respondError(w, err)
		return
	}
	r.publish(events.TypeCity, c)
	respondJSON(w, http.StatusOK, c)
}

func (r *Router) mapConfig(w http.ResponseWriter, req *http.Request) {
	cfg, err := r.Dashboard.Map(r.Config.MapboxToken)
	if err != nil {
		r.respondFeatureError(w, "map", "Map token not configured", err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (r *Router) streetView(w http.ResponseWriter, req *http.Request) {
	sv, err := r.Dashboard.StreetView(req.PathValue("id"), r.Config.GoogleMapsKey)
	if err != nil {
		r.respondFeatureError(w, "streetview", "Google Maps API key not configured", err)
		return
	}
	respondJSON(w, http.StatusOK, sv)
}

func (r *Router) refresh(w http.ResponseWriter, req *http.Request) {
	if r.Refresh == nil {
		respondJSON(w, http.StatusOK, map[string]any{})
		return
	}
	respondJSON(w, http.StatusOK, r.Refresh(req.Context()))
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if r.Store != nil {
		if err := r.Store.Health(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	if r.Queue != nil && !r.Queue.Healthy() {
		http.Error(w, "worker queue not running", http.StatusServiceUnavailable)
		return
	}
	for name, check := range r.Checks {
		if err := check(req.Context()); err != nil {
			http.Error(w, fmt.Sprintf("%s: %v", name, err), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type viewStatus struct {
	Source     poller.Source `json:"source"`
	Error      string        `json:"error,omitempty"`
	Generation uint64        `json:"generation"`
	Items      int           `json:"items"`
	FetchedAt  time.Time     `json:"fetchedAt"`
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	active := r.Dashboard.View()
	hist := r.History.Snapshot()
	live := r.Live.Snapshot()
	out := map[string]any{
		"views": map[string]viewStatus{
			"active":  {Source: active.Source, Error: active.Error, Generation: active.Generation, Items: len(active.Emergencies), FetchedAt: active.FetchedAt},
			"history": {Source: hist.Source, Error: hist.Error, Generation: hist.Generation, Items: len(hist.Items), FetchedAt: hist.FetchedAt},
			"live":    {Source: live.Source, Error: live.Error, Generation: live.Generation, Items: len(live.Items), FetchedAt: live.FetchedAt},
		},
		"simulation": r.Simulation.Status(),
		"workers":    r.Config.WorkerCount,
	}
	if r.Store != nil {
		fetches, err := r.Store.ListFetchRuns(ctx, 20)
		if err != nil {
			r.Logger.Warn("list fetch runs failed", zap.Error(err))
		}
		sims, err := r.Store.ListSimulationRuns(ctx, 10)
		if err != nil {
			r.Logger.Warn("list simulation runs failed", zap.Error(err))
		}
		out["fetchRuns"] = fetches
		out["simulationRuns"] = sims
	}
	if r.Queue != nil {
		out["queue"] = r.Queue.Stats()
	}
	if r.Metrics != nil {
		out["counters"] = r.Metrics.Snapshot()
	}
	if r.Bus != nil {
		out["eventSubscribers"] = r.Bus.Subscribers()
	}
	respondJSON(w, http.StatusOK, out)
}

func (r *Router) publish(typ string, data any) {
	if r.Bus != nil {
		r.Bus.Publish(typ, data)
	}
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

type badRequestError string

func (e badRequestError) Error() string { return string(e) }

func badRequest(msg string) error { return badRequestError(msg) }

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var bad badRequestError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, dashboard.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dashboard.ErrAlreadyResolved), errors.Is(err, simulation.ErrSimulationRunning):
		return http.StatusConflict
	case errors.Is(err, simulation.ErrUnknownScenario), errors.Is(err, simulation.ErrInvalidCount):
		return http.StatusBadRequest
	case errors.Is(err, simulation.ErrNotConfigured), errors.Is(err, dashboard.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrFull), errors.Is(err, queue.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) respondError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.Logger.Error("request failed", zap.Error(err))
	}
	body := map[string]any{"error": err.Error()}
	if errors.Is(err, simulation.ErrNotConfigured) {
		body["feature"] = "simulation"
	}
	respondJSON(w, code, body)
}

// respondFeatureError reports a missing-configuration error in place of one widget.
// Other errors fall through to the normal mapping.
func (r *Router) respondFeatureError(w http.ResponseWriter, feature, message string, err error) {
	if !errors.Is(err, dashboard.ErrNotConfigured) {
		r.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusServiceUnavailable, map[string]any{"error": message, "feature": feature})
}

// events streams bus events as server-sent events until the client disconnects.
func (r *Router) events(w http.ResponseWriter, req *http.Request) {
	if r.Bus == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, unsubscribe := r.Bus.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(25 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				r.Logger.Warn("encode event failed", zap.String("type", ev.Type), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *Router) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.Logger.Debug("request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", rec.code),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HistorySessionHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}
