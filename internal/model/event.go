package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"time"
)

// System field names added to every event. They always overwrite
// producer-supplied keys of the same name.
const (
	FieldIP        = "ip"
	FieldUserAgent = "userAgent"
	FieldTimestamp = "timestamp"
	FieldTargetID  = "targetId"
)

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Event is one ingested unit of producer data plus provenance fields.
// Events are never mutated after NewEvent returns.
type Event struct {
	Payload   map[string]any
	IP        string
	UserAgent string
	Timestamp time.Time
	TargetID  string
}

// RequestMeta carries the server-assigned provenance for an event.
type RequestMeta struct {
	IP        string
	UserAgent string
	Timestamp time.Time
	TargetID  string
}

// NewEvent merges a producer payload with request metadata. The payload map
// is copied so later changes by the caller do not leak into the event.
func NewEvent(payload map[string]any, meta RequestMeta) *Event {
	p := maps.Clone(payload)
	if p == nil {
		p = make(map[string]any)
	}
	for _, k := range []string{FieldIP, FieldUserAgent, FieldTimestamp, FieldTargetID} {
		delete(p, k)
	}
	return &Event{
		Payload:   p,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Timestamp: meta.Timestamp.UTC(),
		TargetID:  meta.TargetID,
	}
}

// Fields returns the flattened key/value view of the event as it is
// persisted and broadcast.
func (e *Event) Fields() map[string]any {
	out := make(map[string]any, len(e.Payload)+4)
	maps.Copy(out, e.Payload)
	out[FieldIP] = e.IP
	out[FieldUserAgent] = e.UserAgent
	out[FieldTimestamp] = e.Timestamp.UTC().Format(TimestampLayout)
	out[FieldTargetID] = e.TargetID
	return out
}

// MarshalJSON encodes the event as a single flat JSON object.
func (e *Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Fields())
}

// UnmarshalJSON decodes a flat JSON object, splitting system fields back out.
func (e *Event) UnmarshalJSON(data []byte) error {
	payload, err := ParsePayload(data)
	if err != nil {
		return err
	}
	ev := Event{Payload: payload}
	if v, ok := payload[FieldIP].(string); ok {
		ev.IP = v
	}
	if v, ok := payload[FieldUserAgent].(string); ok {
		ev.UserAgent = v
	}
	if v, ok := payload[FieldTargetID].(string); ok {
		ev.TargetID = v
	}
	if v, ok := payload[FieldTimestamp].(string); ok {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		ev.Timestamp = ts.UTC()
	}
	for _, k := range []string{FieldIP, FieldUserAgent, FieldTimestamp, FieldTargetID} {
		delete(ev.Payload, k)
	}
	*e = ev
	return nil
}

// ParsePayload decodes a producer body into a key/value map. The body must be
// a single JSON object; an empty body yields an empty payload. Numbers are
// kept as json.Number so they round-trip without float rounding.
func ParsePayload(data []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, malformed(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, invalidPayload("trailing data after JSON object")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, invalidPayload("not a JSON object")
	}
	return obj, nil
}
