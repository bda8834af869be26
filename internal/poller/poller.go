package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dispatch_dashboard/internal/metrics"
)

// Source tells callers where a snapshot's items came from.
type Source string

const (
	SourcePending  Source = "pending"
	SourceLive     Source = "live"
	SourceFallback Source = "fallback"
)

// Snapshot is the applied state of one view.
type Snapshot[T any] struct {
	Items      []T       `json:"items"`
	Source     Source    `json:"source"`
	Error      string    `json:"error,omitempty"`
	Generation uint64    `json:"generation"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

// Run describes one completed refresh, applied or not.
type Run struct {
	View       string
	Generation uint64
	Source     Source
	Items      int
	Error      string
	Applied    bool
	Took       time.Duration
	FinishedAt time.Time
}

// Observer receives fetch timings; *metrics.Metrics satisfies it.
type Observer interface {
	ObserveFetch(view, result string, items int, took time.Duration)
}

// Options configures a Poller. Fetch is required.
type Options[T any] struct {
	Name     string
	Interval time.Duration
	Fetch    func(ctx context.Context) ([]T, error)
	// Fallback supplies the items used when Fetch fails; nil means an empty list.
	Fallback func() []T
	Logger   *zap.Logger
	Observer Observer
	// Record is called for every completed refresh, including discarded ones.
	Record func(Run)
	Now    func() time.Time
}

// Poller refreshes a view on a fixed interval. Every refresh is stamped with a
// generation; a result is applied only if no newer refresh was issued meanwhile.
type Poller[T any] struct {
	opts   Options[T]
	logger *zap.Logger

	issued atomic.Uint64

	mu   sync.RWMutex
	snap Snapshot[T]
	subs []func(Snapshot[T])

	// notifyMu serializes delivery; notified is the newest generation delivered.
	notifyMu sync.Mutex
	notified uint64
}

func New[T any](opts Options[T]) *Poller[T] {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Fallback == nil {
		opts.Fallback = func() []T { return []T{} }
	}
	return &Poller[T]{
		opts:   opts,
		logger: opts.Logger.With(zap.String("view", opts.Name)),
		snap:   Snapshot[T]{Items: []T{}, Source: SourcePending},
	}
}

// Name is the view name used in logs and metrics.
func (p *Poller[T]) Name() string { return p.opts.Name }

// Subscribe registers fn to receive every applied snapshot.
func (p *Poller[T]) Subscribe(fn func(Snapshot[T])) {
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
}

// Snapshot returns the last applied snapshot. Items are copied.
func (p *Poller[T]) Snapshot() Snapshot[T] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.snap
	s.Items = append([]T{}, p.snap.Items...)
	return s
}

// Seed installs a snapshot restored from elsewhere. It is ignored once any refresh
// has been applied.
func (p *Poller[T]) Seed(s Snapshot[T]) bool {
	p.mu.Lock()
	if p.snap.Generation != 0 || p.snap.Source != SourcePending {
		p.mu.Unlock()
		return false
	}
	s.Generation = 0
	p.snap = s
	subs := append([]func(Snapshot[T]){}, p.subs...)
	p.mu.Unlock()
	p.notify(subs, s)
	return true
}

// Refresh performs one fetch. It returns the snapshot now in effect and whether this
// refresh's result was the one applied.
func (p *Poller[T]) Refresh(ctx context.Context) (Snapshot[T], bool) {
	gen := p.issued.Add(1)
	start := p.opts.Now()
	items, err := p.opts.Fetch(ctx)
	took := p.opts.Now().Sub(start)

	next := Snapshot[T]{Generation: gen, FetchedAt: p.opts.Now(), Source: SourceLive, Items: items}
	if err != nil {
		p.logger.Warn("fetch failed, serving fallback", zap.Uint64("generation", gen), zap.Error(err))
		next.Source = SourceFallback
		next.Error = err.Error()
		next.Items = p.opts.Fallback()
	}
	if next.Items == nil {
		next.Items = []T{}
	}

	p.mu.Lock()
	applied := gen == p.issued.Load() && gen > p.snap.Generation
	if applied {
		p.snap = next
	}
	current := p.snap
	subs := append([]func(Snapshot[T]){}, p.subs...)
	p.mu.Unlock()

	if applied {
		p.notify(subs, next)
	}

	result := string(next.Source)
	if !applied {
		result = metrics.ResultStale
		p.logger.Debug("discarding superseded fetch", zap.Uint64("generation", gen))
	}
	if p.opts.Observer != nil {
		p.opts.Observer.ObserveFetch(p.opts.Name, result, len(next.Items), took)
	}
	if p.opts.Record != nil {
		p.opts.Record(Run{
			View:       p.opts.Name,
			Generation: gen,
			Source:     next.Source,
			Items:      len(next.Items),
			Error:      next.Error,
			Applied:    applied,
			Took:       took,
			FinishedAt: next.FetchedAt,
		})
	}
	current.Items = append([]T{}, current.Items...)
	return current, applied
}

// notify delivers s unless a newer generation has already been delivered, so
// subscribers never see generations go backwards.
func (p *Poller[T]) notify(subs []func(Snapshot[T]), s Snapshot[T]) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	if s.Generation < p.notified {
		p.logger.Debug("skipping superseded notification", zap.Uint64("generation", s.Generation))
		return
	}
	p.notified = s.Generation
	for _, fn := range subs {
		c := s
		c.Items = append([]T{}, s.Items...)
		fn(c)
	}
}

// Run refreshes once immediately and then on every tick until ctx is done.
func (p *Poller[T]) Run(ctx context.Context) {
	p.logger.Info("poller started", zap.Duration("interval", p.opts.Interval))
	p.Refresh(ctx)
	if p.opts.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}
