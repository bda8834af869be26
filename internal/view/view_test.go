package view

import (
	"fmt"
	"math"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch_dashboard/internal/normalize"
)

func emergency(id, ts string) normalize.Emergency {
	return normalize.Emergency{ID: id, Time: ts}
}

func TestSortByTimeIsStable(t *testing.T) {
	items := []normalize.Emergency{
		emergency("a", "2025-01-01T10:00:00Z"),
		emergency("b", "2025-01-02T10:00:00Z"),
		emergency("c", "2025-01-01T10:00:00Z"),
		emergency("d", "not a time"),
		emergency("e", "2025-01-02T10:00:00Z"),
	}
	SortByTime(items)
	ids := make([]string, len(items))
	for i, e := range items {
		ids[i] = e.ID
	}
	require.Equal(t, []string{"b", "e", "a", "c", "d"}, ids)
}

func TestActiveNeverExceedsLimit(t *testing.T) {
	var items []normalize.Emergency
	for i := 0; i < 12; i++ {
		items = append(items, emergency(fmt.Sprintf("CALL-%03d", i+1), fmt.Sprintf("2025-01-%02dT00:00:00Z", i+1)))
	}
	got := Active(items, 5)
	require.Len(t, got, 5)
	assert.Equal(t, "CALL-012", got[0].ID)
	assert.Equal(t, "CALL-008", got[4].ID)
	assert.Equal(t, "CALL-001", items[0].ID, "input left untouched")

	require.Len(t, Active(items[:3], 5), 3)
}

func calls(n int) []normalize.CallRecord {
	out := make([]normalize.CallRecord, n)
	for i := range out {
		out[i] = normalize.CallRecord{ID: normalize.DisplayID(i), Timestamp: "2025-01-01T12:00:00Z"}
	}
	return out
}

func TestPaginateLastPage(t *testing.T) {
	p := Paginate(calls(25), 3, 10)
	require.Len(t, p.Items, 5)
	assert.Equal(t, 3, p.TotalPages)
	assert.Equal(t, 25, p.Total)
	assert.Equal(t, "CALL-021", p.Items[0].ID)

	empty := Paginate(calls(25), 9, 10)
	assert.Empty(t, empty.Items)
	assert.NotNil(t, empty.Items)

	none := Paginate(calls(0), 0, 10)
	assert.Equal(t, 1, none.Page)
	assert.Equal(t, 0, none.TotalPages)
}

func TestPaginateHugePage(t *testing.T) {
	p := Paginate(calls(25), math.MaxInt, 10)
	assert.Empty(t, p.Items)
	assert.NotNil(t, p.Items)
	assert.Equal(t, math.MaxInt, p.Page)
	assert.Equal(t, 3, p.TotalPages)

	p = Paginate(calls(0), math.MaxInt, 10)
	assert.Empty(t, p.Items)
}

func sampleCalls() []normalize.CallRecord {
	return []normalize.CallRecord{
		{
			ID: "CALL-001", Timestamp: "2025-01-02T03:00:00Z", Type: "Structure Fire", Severity: normalize.SeverityCritical,
			Location: normalize.Location{Address: "1200 Broadway"}, Caller: normalize.Caller{Name: "Dana"},
			Description: "Smoke Showing", Tags: []string{"commercial"},
		},
		{
			ID: "CALL-002", Timestamp: "2025-01-01T15:00:00Z", Type: "Medical", Severity: normalize.SeverityHigh,
			Location: normalize.Location{Address: "5 Oak Ave"}, Caller: normalize.Caller{Name: "Lee"},
			Description: "Chest Pain", Tags: []string{"cardiac"},
		},
		{
			ID: "CALL-003", Timestamp: "2025-01-01T03:00:00Z", Type: "Medical", Severity: normalize.SeverityLow,
			Location: normalize.Location{Address: "9 Elm St"}, Caller: normalize.Caller{Name: "Sam"},
			Description: "Fall",
		},
	}
}

func TestFilter(t *testing.T) {
	all := sampleCalls()
	ids := func(cs []normalize.CallRecord) []string {
		out := []string{}
		for _, c := range cs {
			out = append(out, c.ID)
		}
		return out
	}

	assert.Equal(t, []string{"CALL-001", "CALL-002", "CALL-003"}, ids(Filter(all, Query{}, time.UTC)))
	assert.Equal(t, []string{"CALL-002"}, ids(Filter(all, Query{Search: "CARDIAC"}, time.UTC)))
	assert.Equal(t, []string{"CALL-001"}, ids(Filter(all, Query{Search: "broadway"}, time.UTC)))
	assert.Equal(t, []string{"CALL-003"}, ids(Filter(all, Query{Search: "sam"}, time.UTC)))
	assert.Equal(t, []string{"CALL-002"}, ids(Filter(all, Query{Search: "call-002"}, time.UTC)))
	assert.Equal(t, []string{"CALL-002", "CALL-003"}, ids(Filter(all, Query{Type: "Medical"}, time.UTC)))
	assert.Equal(t, []string{"CALL-003"}, ids(Filter(all, Query{Type: "Medical", Severity: "low"}, time.UTC)))
	assert.Equal(t, []string{"CALL-002", "CALL-003"}, ids(Filter(all, Query{Date: "1/1/2025"}, time.UTC)))
	assert.Empty(t, Filter(all, Query{Type: "medical"}, time.UTC), "type match is exact")

	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	assert.Equal(t, []string{"CALL-001", "CALL-002"}, ids(Filter(all, Query{Date: "1/1/2025"}, chicago)))
}

func TestFilterOptions(t *testing.T) {
	opts := FilterOptions(sampleCalls(), time.UTC)
	assert.Equal(t, []string{"all", "Medical", "Structure Fire"}, opts.Types)
	assert.Equal(t, []string{"all", "1/2/2025", "1/1/2025"}, opts.Dates)
	assert.Equal(t, []string{"all", "critical", "high", "medium", "low"}, opts.Severities)
}

func TestStateFilterChangeResetsPage(t *testing.T) {
	s := NewState()
	s.SetPage(3)
	require.Equal(t, 3, s.Query().Page)

	s.SetType("all")
	require.Equal(t, 3, s.Query().Page, "same value keeps the page")

	s.SetType("Medical")
	require.Equal(t, 1, s.Query().Page)

	for _, change := range []func(){
		func() { s.SetSearch("fire") },
		func() { s.SetSeverity("high") },
		func() { s.SetDate("1/1/2025") },
	} {
		s.SetPage(3)
		change()
		assert.Equal(t, 1, s.Query().Page)
	}
}

func TestStateApply(t *testing.T) {
	s := NewState()
	q := s.Apply(Query{Page: 3})
	require.Equal(t, 3, q.Page)

	q = s.Apply(Query{Severity: "high", Page: 3})
	require.Equal(t, 1, q.Page)
	require.Equal(t, "high", q.Severity)

	q = s.Apply(Query{Severity: "high", Page: 2})
	require.Equal(t, 2, q.Page)

	q = s.Apply(Query{Page: 2})
	require.Equal(t, "all", q.Severity)
	require.Equal(t, 1, q.Page)
}

func TestHistory(t *testing.T) {
	p := History(calls(25), Query{Page: 3}, 10, time.UTC)
	require.Len(t, p.Items, 5)
	require.Equal(t, 3, p.TotalPages)
}

func TestStateClampsPage(t *testing.T) {
	s := NewState()
	assert.Equal(t, MaxPage, s.Apply(Query{Page: math.MaxInt}).Page)

	s.SetPage(math.MaxInt)
	assert.Equal(t, MaxPage, s.Query().Page)
	s.SetPage(-4)
	assert.Equal(t, 1, s.Query().Page)

	p := History(calls(25), s.Apply(Query{Page: math.MaxInt}), 10, time.UTC)
	assert.Empty(t, p.Items)
}

func TestQueryNormalize(t *testing.T) {
	q := Query{Search: "fire", Page: 0}.Normalize()
	assert.Equal(t, Query{Search: "fire", Type: All, Severity: All, Date: All, Page: 1}, q)
	assert.Equal(t, MaxPage, Query{Page: math.MaxInt}.Normalize().Page)
	assert.Equal(t, 4, Query{Type: "Medical", Page: 4}.Normalize().Page)
}

func TestSessionsAreIndependent(t *testing.T) {
	sessions := NewSessions(time.Minute)
	a := sessions.Get("a")
	a.Apply(Query{Page: 3})

	sessions.Get("b").Apply(Query{Type: "Medical", Page: 2})

	assert.Equal(t, 3, sessions.Get("a").Query().Page)
	assert.Equal(t, All, sessions.Get("a").Query().Type)
	assert.Equal(t, "Medical", sessions.Get("b").Query().Type)
	assert.Same(t, a, sessions.Get("a"))
}

func TestSessionsExpireWhenIdle(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sessions := NewSessions(time.Minute)
	sessions.now = func() time.Time { return now }

	sessions.Get("a").SetPage(4)
	sessions.Get("b")
	require.Equal(t, 2, sessions.Len())

	now = now.Add(30 * time.Second)
	sessions.Get("b")
	now = now.Add(45 * time.Second)
	assert.Equal(t, 1, sessions.Get("a").Query().Page, "expired session starts over")
	assert.Equal(t, 2, sessions.Len())
}
