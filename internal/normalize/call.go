package normalize

import (
	"fmt"
	"time"

	"dispatch_dashboard/internal/records"
)

// Caller describes who placed a call.
type Caller struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Relation string `json:"relation"`
}

// CallRecord is the history-view shape of one call.
type CallRecord struct {
	ID                  string   `json:"id"`
	Key                 string   `json:"key,omitempty"`
	Timestamp           string   `json:"timestamp"`
	CallDuration        string   `json:"callDuration"`
	Type                string   `json:"type"`
	Severity            Severity `json:"severity"`
	Location            Location `json:"location"`
	Caller              Caller   `json:"caller"`
	Description         string   `json:"description"`
	ResponseTime        string   `json:"responseTime"`
	UnitsDispatched     []string `json:"unitsDispatched"`
	Outcome             string   `json:"outcome"`
	Status              Status   `json:"status"`
	DispatchedBy        string   `json:"dispatchedBy"`
	RecordingURL        string   `json:"recordingUrl"`
	TranscriptAvailable bool     `json:"transcriptAvailable"`
	Tags                []string `json:"tags"`
}

// OccurredAt parses Timestamp for ordering.
func (c CallRecord) OccurredAt() time.Time { return ParseTime(c.Timestamp) }

// Calls keeps successful records and normalizes them for the history browser.
func Calls(raws []records.Raw, now time.Time) []CallRecord {
	out := make([]CallRecord, 0, len(raws))
	for _, raw := range raws {
		if !IsSuccessful(raw) {
			continue
		}
		out = append(out, NewCallRecord(raw, len(out), now))
	}
	return out
}

// NewCallRecord normalizes one raw record at the given position.
func NewCallRecord(raw records.Raw, index int, now time.Time) CallRecord {
	status := StatusActive
	if v, _ := raw["call_successful"].(string); v == successLiteral {
		status = StatusResolved
	}
	return CallRecord{
		ID:           DisplayID(index),
		Key:          SourceKey(raw),
		Timestamp:    resolveTime(raw, now, "timestamp", "created_at", "conversation_timestamp"),
		CallDuration: callDuration(raw),
		Type:         TitleCase(ExtractString(First(raw, "emergency_t", "emergency_type"), "Emergency Call")),
		Severity:     ParseSeverity(raw["severity"]),
		Location:     newLocation(raw, TitleCase),
		Caller: Caller{
			Name:     TitleCase(ExtractString(First(raw, "caller_name", "agent_id"), "Unknown")),
			Phone:    ExtractString(First(raw, "caller_phone", "phone_number"), "N/A"),
			Relation: TitleCase(ExtractString(raw["caller_relation"], "Caller")),
		},
		Description:         TitleCase(ExtractString(raw["summary"], "No description available")),
		ResponseTime:        ExtractString(raw["response_time"], "N/A"),
		UnitsDispatched:     ExtractStrings(raw["units_dispatched"]),
		Outcome:             ExtractString(First(raw, "outcome", "resolution"), "Completed"),
		Status:              status,
		DispatchedBy:        ExtractString(First(raw, "dispatched_by", "agent_id"), "System"),
		RecordingURL:        ExtractString(raw["recording_url"], ""),
		TranscriptAvailable: First(raw, "transcript", "conversation_transcript") != nil,
		Tags:                ExtractStrings(raw["tags"]),
	}
}

// callDuration prefers preformatted text; bare seconds render as "Xm YYs".
func callDuration(raw records.Raw) string {
	v := First(raw, "call_duration", "duration", "duration_secs")
	if v == nil {
		return "N/A"
	}
	if s, ok := v.(string); ok && !isDigits(s) {
		return s
	}
	secs, ok := parseNumber(v)
	if !ok || secs < 0 {
		return ExtractString(v, "N/A")
	}
	total := int(secs)
	return fmt.Sprintf("%dm %02ds", total/60, total%60)
}
