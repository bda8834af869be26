package dashboard

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dispatch_dashboard/internal/normalize"
	"dispatch_dashboard/internal/poller"
	"dispatch_dashboard/internal/view"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyResolved = errors.New("emergency already resolved")
	ErrNotConfigured   = errors.New("feature not configured")
)

// ActiveView is the dashboard's list of the most recent emergencies.
type ActiveView struct {
	Emergencies []normalize.Emergency `json:"emergencies"`
	ActiveCount int                   `json:"activeCount"`
	Selected    *normalize.Emergency  `json:"selected"`
	Source      poller.Source         `json:"source"`
	Error       string                `json:"error,omitempty"`
	Generation  uint64                `json:"generation"`
	FetchedAt   time.Time             `json:"fetchedAt"`
}

// Dashboard holds the client-side copy of the active list. Local resolutions live only
// here and are replaced wholesale by the next applied snapshot.
type Dashboard struct {
	limit  int
	logger *zap.Logger

	mu       sync.RWMutex
	items    []normalize.Emergency
	source   poller.Source
	errText  string
	gen      uint64
	fetched  time.Time
	selected string
	city     City
}

func New(limit int, logger *zap.Logger) *Dashboard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dashboard{
		limit:  limit,
		logger: logger,
		items:  []normalize.Emergency{},
		source: poller.SourcePending,
		city:   Cities[0],
	}
}

// Apply replaces the list with a new snapshot, sorted and truncated. The selection
// survives only if the same display id is still present. A snapshot older than the
// one already applied is ignored and Apply reports false.
func (d *Dashboard) Apply(s poller.Snapshot[normalize.Emergency]) bool {
	items := view.Active(s.Items, d.limit)
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.Generation < d.gen {
		d.logger.Debug("ignoring older snapshot",
			zap.Uint64("generation", s.Generation), zap.Uint64("current", d.gen))
		return false
	}
	d.items = items
	d.source = s.Source
	d.errText = s.Error
	d.gen = s.Generation
	d.fetched = s.FetchedAt
	if d.selected != "" && d.indexLocked(d.selected) < 0 {
		d.selected = ""
	}
	return true
}

// View returns a copy of the current list with the active count and selection.
func (d *Dashboard) View() ActiveView {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v := ActiveView{
		Emergencies: make([]normalize.Emergency, len(d.items)),
		Source:      d.source,
		Error:       d.errText,
		Generation:  d.gen,
		FetchedAt:   d.fetched,
	}
	copy(v.Emergencies, d.items)
	for _, e := range d.items {
		if e.Status == normalize.StatusActive {
			v.ActiveCount++
		}
	}
	if i := d.indexLocked(d.selected); i >= 0 {
		sel := d.items[i]
		v.Selected = &sel
	}
	return v
}

// ActiveCount is the number of listed emergencies not yet resolved.
func (d *Dashboard) ActiveCount() int {
	return d.View().ActiveCount
}

// Resolve marks an emergency resolved. Resolving the selected emergency clears the
// selection.
func (d *Dashboard) Resolve(id string) (normalize.Emergency, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(id)
	if i < 0 {
		return normalize.Emergency{}, fmt.Errorf("emergency %q: %w", id, ErrNotFound)
	}
	e := &d.items[i]
	if e.Status == normalize.StatusResolved {
		return *e, fmt.Errorf("emergency %q: %w", id, ErrAlreadyResolved)
	}
	e.Status = normalize.StatusResolved
	if d.selected == e.ID {
		d.selected = ""
	}
	d.logger.Info("emergency resolved", zap.String("id", e.ID), zap.String("key", e.Key))
	return *e, nil
}

// Select makes id the selected emergency.
func (d *Dashboard) Select(id string) (normalize.Emergency, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.indexLocked(id)
	if i < 0 {
		return normalize.Emergency{}, fmt.Errorf("emergency %q: %w", id, ErrNotFound)
	}
	d.selected = d.items[i].ID
	return d.items[i], nil
}

// ClearSelection drops the current selection.
func (d *Dashboard) ClearSelection() {
	d.mu.Lock()
	d.selected = ""
	d.mu.Unlock()
}

// Find looks an emergency up by display id or source key.
func (d *Dashboard) Find(id string) (normalize.Emergency, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i := d.indexLocked(id)
	if i < 0 {
		return normalize.Emergency{}, fmt.Errorf("emergency %q: %w", id, ErrNotFound)
	}
	return d.items[i], nil
}

// indexLocked matches the display id first, then the source key.
func (d *Dashboard) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, e := range d.items {
		if e.ID == id {
			return i
		}
	}
	for i, e := range d.items {
		if e.Key != "" && e.Key == id {
			return i
		}
	}
	return -1
}
