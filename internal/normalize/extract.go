package normalize

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dispatch_dashboard/internal/records"
)

var leadingNumber = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// First returns the first truthy value stored under keys, or nil.
func First(raw records.Raw, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && truthy(v) {
			return v
		}
	}
	return nil
}

// truthy reports whether a decoded value counts as present. Empty strings, zero numbers,
// false and nil are absent; containers are present even when empty.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case float32:
		return t != 0 && !math.IsNaN(float64(t))
	case int:
		return t != 0
	case int64:
		return t != 0
	case int32:
		return t != 0
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	default:
		return true
	}
}

// ExtractString coerces a loosely typed field into text. Absent values yield def, strings
// pass through, nested objects unwrap their "value" then "data" key and otherwise render
// as JSON.
func ExtractString(v any, def string) string {
	if !truthy(v) {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if inner := t["value"]; truthy(inner) {
			return ExtractString(inner, def)
		}
		if inner := t["data"]; truthy(inner) {
			return ExtractString(inner, def)
		}
		return renderJSON(t, def)
	case records.Raw:
		return ExtractString(map[string]any(t), def)
	case []any:
		return renderJSON(t, def)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case json.Number:
		return t.String()
	case bool:
		return "true"
	default:
		return renderJSON(t, def)
	}
}

func renderJSON(v any, def string) string {
	b, err := json.Marshal(v)
	if err != nil {
		return def
	}
	return string(b)
}

// ExtractStrings reads a list of strings, skipping entries that are not text.
func ExtractStrings(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, t...)
	}
	return out
}

// parseNumber reads a float the way a lenient form parser would: numbers pass through,
// strings use their leading numeric prefix, nested objects unwrap "value".
func parseNumber(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case int32:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case string:
		m := leadingNumber.FindString(strings.TrimSpace(t))
		if m == "" {
			return 0, false
		}
		n, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0, false
		}
		f = n
	case map[string]any:
		return parseNumber(t["value"])
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// coordinate returns the first non-zero finite number found under keys, else fallback.
func coordinate(raw records.Raw, fallback float64, keys ...string) float64 {
	for _, k := range keys {
		if f, ok := parseNumber(raw[k]); ok && f != 0 {
			return f
		}
	}
	return fallback
}

// resolveTime renders the first present time field as an ISO-8601 string. Epoch seconds
// (numeric or all-digit text) are converted; other text passes through unchanged.
func resolveTime(raw records.Raw, now time.Time, keys ...string) string {
	v := First(raw, keys...)
	if v == nil {
		return now.UTC().Format(time.RFC3339)
	}
	if s, ok := v.(string); ok && !isDigits(s) {
		return s
	}
	if f, ok := parseNumber(v); ok {
		return epochTime(f).Format(time.RFC3339)
	}
	return ExtractString(v, now.UTC().Format(time.RFC3339))
}

func epochTime(f float64) time.Time {
	// values this large are milliseconds
	if math.Abs(f) >= 1e11 {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime parses the occurrence-time text produced by the normalizer. Unparsable input
// yields the zero time.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if isDigits(s) {
		f, _ := strconv.ParseFloat(s, 64)
		return epochTime(f)
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
