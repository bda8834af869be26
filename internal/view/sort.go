package view

import (
	"sort"
	"time"

	"dispatch_dashboard/internal/normalize"
)

// Timed is anything with an occurrence time.
type Timed interface {
	OccurredAt() time.Time
}

// SortByTime orders items newest first. Equal times keep their input order; unparsable
// times sort as the zero time, i.e. last.
func SortByTime[T Timed](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].OccurredAt().After(items[j].OccurredAt())
	})
}

// Active returns the most recent limit emergencies. The input is not modified.
func Active(items []normalize.Emergency, limit int) []normalize.Emergency {
	out := append([]normalize.Emergency(nil), items...)
	SortByTime(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
