package normalize

import (
	"fmt"
	"strings"
	"time"

	"dispatch_dashboard/internal/records"
)

// Severity is the closed set of incident severities.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists the enumeration in display order.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ParseSeverity extracts, lower-cases and validates a severity field; anything unknown
// becomes medium.
func ParseSeverity(v any) Severity {
	s := Severity(strings.ToLower(strings.TrimSpace(ExtractString(v, string(SeverityMedium)))))
	if !s.Valid() {
		return SeverityMedium
	}
	return s
}

// Status is the local lifecycle of an incident.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// Fallback map position used when a record has no usable coordinates (Nashville).
const (
	FallbackLongitude = -86.7816
	FallbackLatitude  = 36.1627
)

// Location is a free-text address with a [longitude, latitude] pair.
type Location struct {
	Address     string     `json:"address"`
	Coordinates [2]float64 `json:"coordinates"`
}

func (l Location) Longitude() float64 { return l.Coordinates[0] }

func (l Location) Latitude() float64 { return l.Coordinates[1] }

// Emergency is the fixed display shape of one call.
type Emergency struct {
	ID          string   `json:"id"`
	Key         string   `json:"key,omitempty"`
	Time        string   `json:"time"`
	Severity    Severity `json:"severity"`
	Type        string   `json:"type"`
	Location    Location `json:"location"`
	Description string   `json:"description"`
	Status      Status   `json:"status"`
	Caller      string   `json:"caller"`
	Units       []string `json:"units"`
}

// OccurredAt parses Time for ordering.
func (e Emergency) OccurredAt() time.Time { return ParseTime(e.Time) }

// Success values accepted on the call_successful field.
const (
	successLiteral = "success"
	yesLiteral     = "yes"
)

// IsSuccessful reports whether a record passes the inclusion filter.
func IsSuccessful(raw records.Raw) bool {
	v, _ := raw["call_successful"].(string)
	return v == successLiteral || v == yesLiteral
}

// DisplayID renders the sequential label for a zero-based position.
func DisplayID(index int) string {
	return fmt.Sprintf("CALL-%03d", index+1)
}

// SourceKey returns the record store's own identifier, if any.
func SourceKey(raw records.Raw) string {
	return ExtractString(First(raw, "conversation_id", "call_id"), "")
}

// Emergencies keeps successful records and normalizes them in scan order. Display ids
// follow the post-filter position.
func Emergencies(raws []records.Raw, now time.Time) []Emergency {
	out := make([]Emergency, 0, len(raws))
	for _, raw := range raws {
		if !IsSuccessful(raw) {
			continue
		}
		out = append(out, NewEmergency(raw, len(out), now))
	}
	return out
}

// NewEmergency normalizes one raw record at the given position.
func NewEmergency(raw records.Raw, index int, now time.Time) Emergency {
	return Emergency{
		ID:          DisplayID(index),
		Key:         SourceKey(raw),
		Time:        resolveTime(raw, now, "timestamp", "created_at", "conversation_timestamp"),
		Severity:    ParseSeverity(raw["severity"]),
		Type:        TitleCase(ExtractString(First(raw, "emergency_t", "emergency_type"), "Emergency Call")),
		Location:    newLocation(raw, TitleCase),
		Description: TitleCase(ExtractString(raw["summary"], "No description available")),
		Status:      StatusActive,
		Caller:      TitleCase(ExtractString(raw["agent_id"], "Caller")),
		Units:       []string{},
	}
}

func newLocation(raw records.Raw, caser func(string) string) Location {
	return Location{
		Address: caser(ExtractString(raw["location"], "Unknown Location")),
		Coordinates: [2]float64{
			coordinate(raw, FallbackLongitude, "longitude"),
			coordinate(raw, FallbackLatitude, "latitude", "emergency_t_latitude"),
		},
	}
}
