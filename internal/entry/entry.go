// Package entry defines the canonical LogEntry shape and the line-parsing
// pipeline that turns raw child-process output into LogEntry values.
package entry

import (
	"encoding/json"
	"strings"
	"time"
)

// Severity is one of the five known log levels. Anything else collapses to
// a caller-supplied default during parsing.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityDebug   Severity = "debug"
	SeverityTrace   Severity = "trace"
)

func validSeverity(s string) bool {
	switch Severity(s) {
	case SeverityInfo, SeverityError, SeverityWarning, SeverityDebug, SeverityTrace:
		return true
	}
	return false
}

// LogEntry is the canonical in-memory shape of a delivered log line.
type LogEntry struct {
	Type      Severity
	Message   string
	Timestamp string // ISO-8601 UTC

	// Extra holds additional string-keyed values that pass through
	// unchanged, in first-seen order.
	ExtraKeys []string
	Extra     map[string]any
}

// BufferedEntry pairs a LogEntry with the instant it was enqueued, used by
// the delivery buffer to enforce the retention window.
type BufferedEntry struct {
	Entry      LogEntry
	EnqueuedAt time.Time
}

// MarshalJSON renders a LogEntry as the single flat JSON object sent over a
// data channel: type/message/timestamp plus the extra fields at the top
// level, matching the wire shape a remote reader expects.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Extra)+3)
	for _, k := range e.ExtraKeys {
		m[k] = e.Extra[k]
	}
	m["type"] = string(e.Type)
	m["message"] = e.Message
	m["timestamp"] = e.Timestamp
	return json.Marshal(m)
}

// UnmarshalJSON reverses MarshalJSON: type/message/timestamp become the
// named fields, everything else becomes Extra in first-seen order. Used on
// the reader side to decode an incoming data-channel payload back into a
// LogEntry.
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	sev := SeverityInfo
	if v, ok := stringField(raw, "type"); ok && validSeverity(v) {
		sev = Severity(v)
	}
	message, _ := stringField(raw, "message")
	timestamp, _ := stringField(raw, "timestamp")

	keys, extra := extraFieldsExcluding(string(data), raw, map[string]bool{
		"type": true, "message": true, "timestamp": true,
	})

	*e = LogEntry{Type: sev, Message: message, Timestamp: timestamp, ExtraKeys: keys, Extra: extra}
	return nil
}

// nowISO returns the current UTC instant formatted as ISO-8601.
var nowISO = func() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// ParseLine turns one raw line of child-process output into a LogEntry,
// applying the default severity when the line isn't structured JSON or
// omits a recognizable level field.
func ParseLine(line string, defaultSeverity Severity) LogEntry {
	trimmed := strings.TrimSpace(line)

	var raw map[string]any
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil || !looksLikeObject(trimmed) {
		return LogEntry{
			Type:      defaultSeverity,
			Message:   trimmed,
			Timestamp: nowISO(),
		}
	}

	sev := defaultSeverity
	if v, ok := stringField(raw, "level"); ok && validSeverity(v) {
		sev = Severity(v)
	} else if v, ok := stringField(raw, "type"); ok && validSeverity(v) {
		sev = Severity(v)
	}

	message := trimmed
	if v, ok := stringField(raw, "message"); ok {
		message = v
	} else if v, ok := stringField(raw, "msg"); ok {
		message = v
	}

	timestamp := nowISO()
	if v, ok := stringField(raw, "timestamp"); ok {
		timestamp = v
	} else if v, ok := stringField(raw, "time"); ok {
		timestamp = v
	}

	keys, extra := extraFields(trimmed, raw)

	return LogEntry{
		Type:      sev,
		Message:   message,
		Timestamp: timestamp,
		ExtraKeys: keys,
		Extra:     extra,
	}
}

func looksLikeObject(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// extraFields returns every top-level field of the original JSON object, in
// the order the keys first appear in the text. Fields consumed for
// type/message/timestamp normalization (level, msg, timestamp, time) are
// still passed through unchanged alongside the normalized top-level values —
// normalization augments the entry, it does not strip the source fields.
func extraFields(rawText string, parsed map[string]any) ([]string, map[string]any) {
	return extraFieldsExcluding(rawText, parsed, nil)
}

// extraFieldsExcluding is extraFields with an additional set of top-level
// keys dropped entirely (used by UnmarshalJSON, where type/message/
// timestamp are always-present wire fields rather than pass-through data).
func extraFieldsExcluding(rawText string, parsed map[string]any, exclude map[string]bool) ([]string, map[string]any) {
	dec := json.NewDecoder(strings.NewReader(rawText))
	var keys []string
	seen := map[string]bool{}

	// Walk the token stream to recover field order; json.Unmarshal into a
	// map loses it.
	if _, err := dec.Token(); err == nil { // '{'
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				break
			}
			key, ok := tok.(string)
			if !ok {
				break
			}
			var v json.RawMessage
			if err := dec.Decode(&v); err != nil {
				break
			}
			if seen[key] || exclude[key] {
				continue
			}
			seen[key] = true
			keys = append(keys, key)
		}
	}

	extra := make(map[string]any, len(keys))
	for _, k := range keys {
		extra[k] = parsed[k]
	}
	return keys, extra
}
