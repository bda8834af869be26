package normalize

import (
	"sort"
	"strings"
	"time"

	"dispatch_dashboard/internal/records"
)

const liveIDLength = 12

// LiveCalls builds the live-monitor feed: records carrying both a conversation id and a
// timestamp, newest first by numeric timestamp, truncated to limit.
func LiveCalls(raws []records.Raw, limit int) []Emergency {
	kept := make([]records.Raw, 0, len(raws))
	for _, raw := range raws {
		if truthy(raw["conversation_id"]) && truthy(raw["timestamp"]) {
			kept = append(kept, raw)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return epochValue(kept[i]["timestamp"]) > epochValue(kept[j]["timestamp"])
	})
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}

	out := make([]Emergency, 0, len(kept))
	for _, raw := range kept {
		out = append(out, newLiveCall(raw))
	}
	return out
}

func newLiveCall(raw records.Raw) Emergency {
	key := ExtractString(raw["conversation_id"], "")
	id := "CALL-UNKNOWN"
	if key != "" {
		id = key
		if r := []rune(key); len(r) > liveIDLength {
			id = string(r[:liveIDLength])
		}
	}
	ts := ExtractString(raw["created_at"], "")
	if ts == "" {
		ts = epochTime(epochValue(raw["timestamp"])).Format(time.RFC3339)
	}
	return Emergency{
		ID:          id,
		Key:         key,
		Time:        ts,
		Severity:    ParseSeverity(raw["severity"]),
		Type:        SentenceCase(ExtractString(First(raw, "emergency_type", "emergency_t"), "Emergency Call")),
		Location:    newLocation(raw, SentenceCase),
		Description: SentenceCase(ExtractString(raw["summary"], "Call in progress")),
		Status:      StatusActive,
		Caller:      SentenceCase(ExtractString(raw["agent_id"], "Caller")),
		Units:       []string{},
	}
}

// epochValue reads a timestamp as a whole number, zero when unreadable.
func epochValue(v any) float64 {
	f, ok := parseNumber(v)
	if !ok {
		return 0
	}
	return float64(int64(f))
}

// LiveStats counts the live feed by severity and responding service.
type LiveStats struct {
	Total     int            `json:"total"`
	Critical  int            `json:"critical"`
	High      int            `json:"high"`
	Medium    int            `json:"medium"`
	Low       int            `json:"low"`
	ByService map[string]int `json:"byService"`
}

// Stats tallies calls.
func Stats(calls []Emergency) LiveStats {
	st := LiveStats{ByService: map[string]int{}}
	for _, c := range calls {
		st.Total++
		switch c.Severity {
		case SeverityCritical:
			st.Critical++
		case SeverityHigh:
			st.High++
		case SeverityMedium:
			st.Medium++
		case SeverityLow:
			st.Low++
		}
		st.ByService[ServiceCategory(c.Type)]++
	}
	return st
}

// ServiceCategory maps a free-form call type onto the responding service.
func ServiceCategory(callType string) string {
	t := strings.ToLower(callType)
	switch {
	case strings.Contains(t, "fire"), strings.Contains(t, "smoke"), strings.Contains(t, "burn"), strings.Contains(t, "wildfire"):
		return "fire"
	case strings.Contains(t, "medic"), strings.Contains(t, "ems"), strings.Contains(t, "injur"), strings.Contains(t, "cardiac"), strings.Contains(t, "breath"):
		return "ems"
	case strings.Contains(t, "police"), strings.Contains(t, "crime"), strings.Contains(t, "theft"), strings.Contains(t, "assault"), strings.Contains(t, "shoot"):
		return "police"
	default:
		return "other"
	}
}
