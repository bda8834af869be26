package view

import (
	"sort"
	"strings"
	"time"

	"dispatch_dashboard/internal/normalize"
)

// All is the filter value that matches everything.
const All = "all"

// DateLayout renders a calendar date as M/D/YYYY.
const DateLayout = "1/2/2006"

// Query holds the history browser's filters. Empty or "all" filters match everything.
type Query struct {
	Search   string `json:"search"`
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Date     string `json:"date"`
	Page     int    `json:"page"`
}

// Page is one slice of a filtered list.
type Page[T any] struct {
	Items      []T `json:"items"`
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// CallDate formats a call's occurrence date in loc, empty when the time is unparsable.
func CallDate(c normalize.CallRecord, loc *time.Location) string {
	t := c.OccurredAt()
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// Filter applies search, type, severity and date filters in that order, preserving order.
func Filter(calls []normalize.CallRecord, q Query, loc *time.Location) []normalize.CallRecord {
	search := strings.ToLower(strings.TrimSpace(q.Search))
	out := make([]normalize.CallRecord, 0, len(calls))
	for _, c := range calls {
		if search != "" && !matchesSearch(c, search) {
			continue
		}
		if active(q.Type) && c.Type != q.Type {
			continue
		}
		if active(q.Severity) && string(c.Severity) != q.Severity {
			continue
		}
		if active(q.Date) && CallDate(c, loc) != q.Date {
			continue
		}
		out = append(out, c)
	}
	return out
}

func active(filter string) bool {
	return filter != "" && filter != All
}

func matchesSearch(c normalize.CallRecord, needle string) bool {
	fields := []string{c.ID, c.Type, c.Location.Address, c.Caller.Name, c.Description}
	fields = append(fields, c.Tags...)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}

// Paginate returns the 1-based page of items. Pages below 1 are treated as 1; pages past
// the end are empty.
func Paginate[T any](items []T, page, size int) Page[T] {
	if size <= 0 {
		size = 10
	}
	if page < 1 {
		page = 1
	}
	total := len(items)
	p := Page[T]{
		Items:      []T{},
		Page:       page,
		PageSize:   size,
		Total:      total,
		TotalPages: (total + size - 1) / size,
	}
	if page > p.TotalPages {
		return p
	}
	start := (page - 1) * size
	end := start + size
	if end > total {
		end = total
	}
	p.Items = append(p.Items, items[start:end]...)
	return p
}

// History filters an already-sorted call list and returns the requested page.
func History(calls []normalize.CallRecord, q Query, pageSize int, loc *time.Location) Page[normalize.CallRecord] {
	return Paginate(Filter(calls, q, loc), q.Page, pageSize)
}

// Options feeds the history filter dropdowns.
type Options struct {
	Types      []string `json:"types"`
	Severities []string `json:"severities"`
	Dates      []string `json:"dates"`
}

// FilterOptions lists the distinct types and dates present in calls, each prefixed with
// "all". Types sort alphabetically, dates newest first.
func FilterOptions(calls []normalize.CallRecord, loc *time.Location) Options {
	types := map[string]struct{}{}
	dates := map[string]time.Time{}
	for _, c := range calls {
		types[c.Type] = struct{}{}
		if d := CallDate(c, loc); d != "" {
			if _, ok := dates[d]; !ok {
				dates[d] = c.OccurredAt()
			}
		}
	}

	opts := Options{
		Types:      []string{All},
		Severities: []string{All},
		Dates:      []string{All},
	}
	typeList := make([]string, 0, len(types))
	for t := range types {
		typeList = append(typeList, t)
	}
	sort.Strings(typeList)
	opts.Types = append(opts.Types, typeList...)

	for _, s := range normalize.Severities {
		opts.Severities = append(opts.Severities, string(s))
	}

	dateList := make([]string, 0, len(dates))
	for d := range dates {
		dateList = append(dateList, d)
	}
	sort.Slice(dateList, func(i, j int) bool {
		return dates[dateList[i]].After(dates[dateList[j]])
	})
	opts.Dates = append(opts.Dates, dateList...)
	return opts
}
