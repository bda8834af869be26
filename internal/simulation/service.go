package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dispatch_dashboard/internal/queue"
	"dispatch_dashboard/internal/store"
)

var (
	ErrNotConfigured     = errors.New("simulation endpoint not configured")
	ErrSimulationRunning = errors.New("simulation already running")
	ErrUnknownScenario   = errors.New("unknown scenario")
	ErrInvalidCount      = errors.New("call count must be between 1 and 500")
)

const maxCalls = 500

// Status messages shown by the simulation panel.
const (
	MessageReady    = "Ready to simulate emergency scenarios"
	MessageStarting = "Initializing simulation..."
	MessageFailed   = "Simulation failed"
	MessageStopped  = "Simulation stopped"
)

// Scenario is a disaster preset understood by the call generator.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var Scenarios = []Scenario{
	{ID: "la_wildfire", Name: "Los Angeles Wildfire", Description: "Wildfire emergency simulation"},
	{ID: "nashville_tornado", Name: "Nashville Tornado Outbreak", Description: "Tornado outbreak simulation"},
	{ID: "earthquake_sf", Name: "San Francisco Earthquake", Description: "Earthquake emergency simulation"},
	{ID: "hurricane_florida", Name: "Florida Hurricane", Description: "Hurricane response simulation"},
}

// LookupScenario finds a preset by id.
func LookupScenario(id string) (Scenario, bool) {
	for _, s := range Scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}

// LiveMetrics are derived from the last successful run.
type LiveMetrics struct {
	CallsPerSecond      float64 `json:"callsPerSecond"`
	QueueDepth          int     `json:"queueDepth"`
	AverageResponseTime int64   `json:"averageResponseTime"`
	SystemLoad          float64 `json:"systemLoad"`
	ActiveConnections   int     `json:"activeConnections"`
}

// Status is the simulation panel state.
type Status struct {
	IsRunning      bool              `json:"isRunning"`
	GeneratedCalls int               `json:"generatedCalls"`
	TotalCalls     int               `json:"totalCalls"`
	Message        string            `json:"message"`
	Error          *string           `json:"error"`
	RunID          string            `json:"runId,omitempty"`
	Scenario       string            `json:"scenario,omitempty"`
	Progress       float64           `json:"progress"`
	SampleCalls    []json.RawMessage `json:"sampleCalls"`
	Metrics        LiveMetrics       `json:"metrics"`
}

func readyStatus() Status {
	return Status{Message: MessageReady, SampleCalls: []json.RawMessage{}}
}

// Trigger is the generator call; *Client satisfies it.
type Trigger interface {
	Configured() bool
	Trigger(ctx context.Context, scenario string, numCalls int) (Result, error)
}

// Enqueuer runs work in the background; *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(j queue.Job) (string, error)
}

// RunRecorder persists run history; *store.Store satisfies it.
type RunRecorder interface {
	InsertSimulationRun(ctx context.Context, r store.SimulationRun) error
	MarkSimulationStarted(ctx context.Context, id string, ts time.Time) error
	FinishSimulationRun(ctx context.Context, id, status string, generated int, message string, errMsg *string, samples json.RawMessage, ts time.Time) error
	MarkSimulationStopped(ctx context.Context, id string) error
}

// Counter counts run outcomes; *metrics.Metrics satisfies it.
type Counter interface {
	IncSimulation(status string)
}

// Service owns the simulation state machine. Requests are never retried or
// cancelled; Stop and Reset only change local state.
type Service struct {
	trigger  Trigger
	queue    Enqueuer
	runs     RunRecorder
	counter  Counter
	logger   *zap.Logger
	now      func() time.Time
	recordTO time.Duration

	mu     sync.RWMutex
	status Status
	subs   []func(Status)
}

// Options bundles optional collaborators.
type Options struct {
	Runs    RunRecorder
	Counter Counter
	Logger  *zap.Logger
	Now     func() time.Time
}

func NewService(trigger Trigger, q Enqueuer, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		trigger:  trigger,
		queue:    q,
		runs:     opts.Runs,
		counter:  opts.Counter,
		logger:   opts.Logger,
		now:      opts.Now,
		recordTO: 5 * time.Second,
		status:   readyStatus(),
	}
}

// Subscribe registers fn to receive every status change.
func (s *Service) Subscribe(fn func(Status)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Status returns a copy of the current state.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyStatus(s.status)
}

// Start validates the request, marks the panel running and queues the generator call.
func (s *Service) Start(ctx context.Context, scenario string, numCalls int) (Status, error) {
	if s.trigger == nil || !s.trigger.Configured() {
		return s.Status(), ErrNotConfigured
	}
	if _, ok := LookupScenario(scenario); !ok {
		return s.Status(), fmt.Errorf("%q: %w", scenario, ErrUnknownScenario)
	}
	if numCalls < 1 || numCalls > maxCalls {
		return s.Status(), fmt.Errorf("%d: %w", numCalls, ErrInvalidCount)
	}

	runID := uuid.NewString()
	s.mu.Lock()
	if s.status.IsRunning {
		st := copyStatus(s.status)
		s.mu.Unlock()
		return st, ErrSimulationRunning
	}
	prev := s.status
	next := copyStatus(prev)
	next.IsRunning = true
	next.Message = MessageStarting
	next.Error = nil
	next.RunID = runID
	next.Scenario = scenario
	s.status = next
	s.mu.Unlock()
	s.publish(copyStatus(next))

	if s.runs != nil {
		err := s.runs.InsertSimulationRun(ctx, store.SimulationRun{
			ID:        runID,
			Scenario:  scenario,
			NumCalls:  numCalls,
			Status:    store.StatusQueued,
			Message:   MessageStarting,
			CreatedAt: s.now(),
		})
		if err != nil {
			s.logger.Warn("record simulation run failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	_, err := s.queue.Enqueue(queue.Job{
		ID:     runID,
		Source: "simulation",
		Work: func(jobCtx context.Context) error {
			return s.execute(jobCtx, runID, scenario, numCalls)
		},
	})
	if err != nil {
		s.mu.Lock()
		if s.status.RunID == runID {
			s.status = prev
		}
		st := copyStatus(s.status)
		s.mu.Unlock()
		s.finishRecord(runID, store.StatusFailed, 0, MessageFailed, err, nil)
		s.publish(st)
		return st, fmt.Errorf("queue simulation: %w", err)
	}

	s.logger.Info("simulation queued", zap.String("run_id", runID), zap.String("scenario", scenario), zap.Int("num_calls", numCalls))
	return copyStatus(next), nil
}

func (s *Service) execute(ctx context.Context, runID, scenario string, numCalls int) error {
	if s.runs != nil {
		if err := s.runs.MarkSimulationStarted(ctx, runID, s.now()); err != nil {
			s.logger.Warn("mark simulation started failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	res, err := s.trigger.Trigger(ctx, scenario, numCalls)
	if err != nil {
		s.fail(runID, err)
		return err
	}
	s.succeed(runID, numCalls, res)
	return nil
}

func (s *Service) succeed(runID string, numCalls int, res Result) {
	generated := res.Successful
	if generated == 0 {
		generated = numCalls
	}
	message := fmt.Sprintf("Successfully generated %d emergency calls", generated)
	samples, _ := json.Marshal(res.Samples)
	s.finishRecord(runID, store.StatusSucceeded, generated, message, nil, samples)
	if s.counter != nil {
		s.counter.IncSimulation(store.StatusSucceeded)
	}

	s.mu.Lock()
	if s.status.RunID != runID {
		s.mu.Unlock()
		s.logger.Info("simulation finished after reset", zap.String("run_id", runID))
		return
	}
	s.status = Status{
		IsRunning:      false,
		GeneratedCalls: generated,
		TotalCalls:     numCalls,
		Message:        message,
		RunID:          runID,
		Scenario:       s.status.Scenario,
		Progress:       float64(generated) / float64(numCalls) * 100,
		SampleCalls:    append([]json.RawMessage{}, res.Samples...),
		Metrics:        deriveMetrics(numCalls, res),
	}
	st := copyStatus(s.status)
	s.mu.Unlock()
	s.publish(st)
}

func (s *Service) fail(runID string, err error) {
	s.logger.Error("simulation failed", zap.String("run_id", runID), zap.Error(err))
	s.finishRecord(runID, store.StatusFailed, 0, MessageFailed, err, nil)
	if s.counter != nil {
		s.counter.IncSimulation(store.StatusFailed)
	}

	s.mu.Lock()
	if s.status.RunID != runID {
		s.mu.Unlock()
		return
	}
	msg := err.Error()
	s.status.IsRunning = false
	s.status.Message = MessageFailed
	s.status.Error = &msg
	st := copyStatus(s.status)
	s.mu.Unlock()
	s.publish(st)
}

// Stop flips the running flag. An in-flight request still completes.
func (s *Service) Stop(ctx context.Context) Status {
	s.mu.Lock()
	wasRunning := s.status.IsRunning
	runID := s.status.RunID
	s.status.IsRunning = false
	s.status.Message = MessageStopped
	st := copyStatus(s.status)
	s.mu.Unlock()

	if wasRunning && runID != "" && s.runs != nil {
		if err := s.runs.MarkSimulationStopped(ctx, runID); err != nil {
			s.logger.Warn("mark simulation stopped failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	s.publish(st)
	return st
}

// Reset returns the panel to its initial state. Results of a request still in
// flight are discarded.
func (s *Service) Reset() Status {
	s.mu.Lock()
	s.status = readyStatus()
	st := copyStatus(s.status)
	s.mu.Unlock()
	s.publish(st)
	return st
}

func (s *Service) finishRecord(runID, status string, generated int, message string, runErr error, samples json.RawMessage) {
	if s.runs == nil {
		return
	}
	var errMsg *string
	if runErr != nil {
		m := runErr.Error()
		errMsg = &m
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.recordTO)
	defer cancel()
	if err := s.runs.FinishSimulationRun(ctx, runID, status, generated, message, errMsg, samples, s.now()); err != nil {
		s.logger.Warn("record simulation outcome failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (s *Service) publish(st Status) {
	s.mu.RLock()
	subs := append([]func(Status){}, s.subs...)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(copyStatus(st))
	}
}

func deriveMetrics(numCalls int, res Result) LiveMetrics {
	ms := res.Elapsed.Milliseconds()
	m := LiveMetrics{
		QueueDepth:          numCalls,
		AverageResponseTime: ms,
		ActiveConnections:   res.Successful,
	}
	if ms > 0 {
		m.CallsPerSecond = math.Round(float64(numCalls) * 1000 / float64(ms))
	}
	if numCalls > 0 {
		m.SystemLoad = float64(res.Successful) / float64(numCalls) * 100
	}
	return m
}

func copyStatus(st Status) Status {
	c := st
	c.SampleCalls = append([]json.RawMessage{}, st.SampleCalls...)
	if st.Error != nil {
		e := *st.Error
		c.Error = &e
	}
	return c
}
