// Package classify turns raw attendance payloads into typed events.
//
// Payloads come from the push channel and are untrusted: anything missing a
// subject name, timestamp or event type is rejected with a ClassificationError.
package classify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the attendance direction of an event. Exactly one applies.
type Kind string

const (
	KindEntry Kind = "entry"
	KindExit  Kind = "exit"
	KindOther Kind = "other"
)

// DefaultDepartment is used when the payload carries none.
const DefaultDepartment = "General"

var (
	ErrMalformed    = errors.New("malformed payload")
	ErrMissingField = errors.New("missing required field")
	ErrBadTimestamp = errors.New("unparseable timestamp")
)

// ClassificationError describes why a payload was dropped.
type ClassificationError struct {
	Source string // stream event name
	Field  string // offending field, if any
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("classify %s: %s: %v", e.Source, e.Field, e.Err)
	}
	return fmt.Sprintf("classify %s: %v", e.Source, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Event is an immutable attendance notification.
type Event struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	SubjectName string          `json:"subject_name"`
	SubjectID   string          `json:"subject_id,omitempty"`
	Kind        Kind            `json:"kind"`
	IsBreak     bool            `json:"is_break"`
	IsLunch     bool            `json:"is_lunch"`
	BreakType   string          `json:"break_type,omitempty"`
	Department  string          `json:"department"`
	Source      string          `json:"source"`
	Raw         json.RawMessage `json:"-"`
}

// payload accepts the server's snake_case keys and camelCase aliases.
type payload struct {
	Name        *string         `json:"name"`
	SubjectName *string         `json:"subjectName"`
	EventType   *string         `json:"event_type"`
	EventTypeC  *string         `json:"eventType"`
	Timestamp   json.RawMessage `json:"timestamp"`
	IsBreak     flexBool        `json:"is_break"`
	IsBreakC    flexBool        `json:"isBreak"`
	IsLunch     flexBool        `json:"is_lunch"`
	IsLunchC    flexBool        `json:"isLunch"`
	BreakType   *string         `json:"break_type"`
	Department  *string         `json:"department"`
	EmployeeID  json.RawMessage `json:"employee_id"`
}

// Classifier converts raw payloads into Events. Zero value is ready to use.
type Classifier struct {
	// Location is used for timestamps without a zone offset. Defaults to time.Local.
	Location *time.Location
}

// Classify parses raw (a JSON object) received under the stream event source.
func (c Classifier) Classify(source string, raw []byte) (Event, error) {
	fail := func(field string, err error) (Event, error) {
		return Event{}, &ClassificationError{Source: source, Field: field, Err: err}
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fail("", ErrMalformed)
	}
	var p payload
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return fail("", fmt.Errorf("%w: %v", ErrMalformed, err))
	}

	name := firstNonBlank(p.Name, p.SubjectName)
	if name == "" {
		return fail("name", ErrMissingField)
	}
	typ := firstNonBlank(p.EventType, p.EventTypeC)
	if typ == "" {
		return fail("event_type", ErrMissingField)
	}
	tsRaw := strings.TrimSpace(rawString(p.Timestamp))
	if tsRaw == "" {
		return fail("timestamp", ErrMissingField)
	}
	loc := c.Location
	if loc == nil {
		loc = time.Local
	}
	ts, err := ParseTimestamp(tsRaw, loc)
	if err != nil {
		return fail("timestamp", err)
	}

	dept := firstNonBlank(p.Department)
	if dept == "" {
		dept = DefaultDepartment
	}
	e := Event{
		Timestamp:   ts,
		SubjectName: name,
		SubjectID:   strings.TrimSpace(rawString(p.EmployeeID)),
		Kind:        KindOf(typ),
		IsBreak:     bool(p.IsBreak) || bool(p.IsBreakC),
		IsLunch:     bool(p.IsLunch) || bool(p.IsLunchC),
		BreakType:   firstNonBlank(p.BreakType),
		Department:  dept,
		Source:      source,
		Raw:         append(json.RawMessage(nil), trimmed...),
	}
	e.ID = EventID(name, ts)
	return e, nil
}

// KindOf maps the server vocabulary (Spanish and English) onto a Kind.
func KindOf(eventType string) Kind {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "entrada", "entry", "in", "check_in":
		return KindEntry
	case "salida", "exit", "out", "check_out":
		return KindExit
	default:
		return KindOther
	}
}

// EventID derives the dedup identity of an event.
func EventID(subject string, ts time.Time) string {
	return subject + "@" + ts.UTC().Format(time.RFC3339Nano)
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseTimestamp accepts RFC 3339 and the naive ISO forms the server emits
// (interpreted in loc), or a unix epoch in seconds/milliseconds.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(n), nil
		}
		return time.Unix(n, 0), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

func firstNonBlank(vals ...*string) string {
	for _, v := range vals {
		if v != nil && strings.TrimSpace(*v) != "" {
			return strings.TrimSpace(*v)
		}
	}
	return ""
}

// rawString renders a JSON scalar (string or number) as text; null/absent -> "".
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// flexBool decodes true/false, 0/1, "true"/"1" and null.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(string(data)), `"`)) {
	case "true", "1", "yes", "si", "sí":
		*b = true
	default:
		*b = false
	}
	return nil
}
