package dataset

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"dispatch_dashboard/internal/normalize"
)

//go:embed data/emergencies.json
var bundled []byte

// Fallback holds the static emergencies served when the record store is unreachable.
// The bundled copy is used unless a file path is configured.
type Fallback struct {
	path string

	mu    sync.RWMutex
	items []normalize.Emergency
}

// NewFallback loads the dataset from path, or from the bundled copy when path is empty.
func NewFallback(path string) (*Fallback, error) {
	f := &Fallback{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload re-reads the dataset. On error the previous contents are kept.
func (f *Fallback) Reload() error {
	data := bundled
	if f.path != "" {
		b, err := os.ReadFile(f.path)
		if err != nil {
			return fmt.Errorf("read fallback dataset: %w", err)
		}
		data = b
	}
	items, err := decode(data)
	if err != nil {
		return fmt.Errorf("decode fallback dataset %q: %w", f.path, err)
	}
	f.mu.Lock()
	f.items = items
	f.mu.Unlock()
	return nil
}

// Emergencies returns a copy of the dataset so callers may mutate it freely.
func (f *Fallback) Emergencies() []normalize.Emergency {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]normalize.Emergency, len(f.items))
	for i, e := range f.items {
		e.Units = append([]string{}, e.Units...)
		out[i] = e
	}
	return out
}

func decode(data []byte) ([]normalize.Emergency, error) {
	var items []normalize.Emergency
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	for i := range items {
		e := &items[i]
		if !e.Severity.Valid() {
			e.Severity = normalize.SeverityMedium
		}
		if e.Status != normalize.StatusResolved {
			e.Status = normalize.StatusActive
		}
		if e.Location.Coordinates[0] == 0 {
			e.Location.Coordinates[0] = normalize.FallbackLongitude
		}
		if e.Location.Coordinates[1] == 0 {
			e.Location.Coordinates[1] = normalize.FallbackLatitude
		}
		if e.ID == "" {
			e.ID = normalize.DisplayID(i)
		}
		if e.Units == nil {
			e.Units = []string{}
		}
	}
	return items, nil
}
