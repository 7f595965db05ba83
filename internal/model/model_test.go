package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParsePayload(t *testing.T) {
	for _, tc := range []struct {
		name    string
		body    string
		wantErr bool
		wantLen int
	}{
		{"Object", `{"lat":1,"lng":2}`, false, 2},
		{"Empty", ``, false, 0},
		{"Whitespace", "  \n", false, 0},
		{"EmptyObject", `{}`, false, 0},
		{"Array", `[1,2]`, true, 0},
		{"String", `"hello"`, true, 0},
		{"Null", `null`, true, 0},
		{"Malformed", `{"lat":`, true, 0},
		{"Trailing", `{"a":1}{"b":2}`, true, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePayload([]byte(tc.body))
			if tc.wantErr {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("ParsePayload(%q) error = %v, want *ValidationError", tc.body, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePayload(%q) unexpected error: %v", tc.body, err)
			}
			if len(got) != tc.wantLen {
				t.Errorf("ParsePayload(%q) len = %d, want %d", tc.body, len(got), tc.wantLen)
			}
		})
	}
}

func TestNewEvent_SystemFieldsWin(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 30, 45, 123_000_000, time.UTC)
	payload := map[string]any{
		"lat":       1,
		"ip":        "6.6.6.6",
		"timestamp": "yesterday",
		"targetId":  "spoofed",
		"userAgent": "evil",
	}
	ev := NewEvent(payload, RequestMeta{IP: "10.0.0.1", UserAgent: "curl/8", Timestamp: ts, TargetID: "abc123"})

	fields := ev.Fields()
	for k, want := range map[string]any{
		FieldIP:        "10.0.0.1",
		FieldUserAgent: "curl/8",
		FieldTimestamp: "2026-03-01T12:30:45.123Z",
		FieldTargetID:  "abc123",
		"lat":          1,
	} {
		if fields[k] != want {
			t.Errorf("fields[%q] = %v, want %v", k, fields[k], want)
		}
	}

	// The producer map must not be aliased.
	payload["lat"] = 99
	if ev.Payload["lat"] != 1 {
		t.Errorf("event payload changed after caller mutation: %v", ev.Payload["lat"])
	}
}

func TestEvent_JSONRoundTrip(t *testing.T) {
	payload, err := ParsePayload([]byte(`{"lat":51.5072,"lng":-0.1276,"accuracy":12}`))
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	ev := NewEvent(payload, RequestMeta{IP: "1.2.3.4", UserAgent: "ua", Timestamp: ts, TargetID: "t1"})

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("Unmarshal flat: %v", err)
	}
	if flat["lat"] != 51.5072 || flat["targetId"] != "t1" || flat["timestamp"] != "2026-01-02T03:04:05.006Z" {
		t.Errorf("unexpected flat encoding: %s", data)
	}

	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal event: %v", err)
	}
	if back.TargetID != "t1" || back.IP != "1.2.3.4" || back.UserAgent != "ua" {
		t.Errorf("system fields not restored: %+v", back)
	}
	if !back.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", back.Timestamp, ts)
	}
	if _, ok := back.Payload[FieldTargetID]; ok {
		t.Error("system field leaked into payload")
	}
	if back.Payload["lng"] != json.Number("-0.1276") {
		t.Errorf("lng = %#v, want json.Number", back.Payload["lng"])
	}
}

func TestMessage_Encoding(t *testing.T) {
	ack, err := json.Marshal(NewAck("conn-1"))
	if err != nil {
		t.Fatalf("Marshal ack: %v", err)
	}
	if got, want := string(ack), `{"type":"connection_ack","id":"conn-1","message":"Admin connected to live feed"}`; got != want {
		t.Errorf("ack = %s, want %s", got, want)
	}

	ev := NewEvent(map[string]any{"lat": 1}, RequestMeta{TargetID: "x", Timestamp: time.Unix(0, 0)})
	upd, err := json.Marshal(NewLocationUpdate(ev))
	if err != nil {
		t.Fatalf("Marshal update: %v", err)
	}
	var decoded struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(upd, &decoded); err != nil {
		t.Fatalf("Unmarshal update: %v", err)
	}
	if decoded.Type != MessageLocationUpdate || decoded.Data["targetId"] != "x" {
		t.Errorf("unexpected update: %s", upd)
	}
}

func TestValidationError_Error(t *testing.T) {
	for _, tc := range []struct {
		body string
		want string
	}{
		{`[1]`, "invalid location payload: not a JSON object"},
		{`{"lat" 1}`, "invalid location payload: malformed JSON at byte 8"},
		{`{"lat":1} x`, "invalid location payload: trailing data after JSON object"},
		{`{"lat":`, "invalid location payload: malformed JSON"},
	} {
		_, err := ParsePayload([]byte(tc.body))
		if err == nil || err.Error() != tc.want {
			t.Errorf("ParsePayload(%q) error = %v, want %q", tc.body, err, tc.want)
		}
	}
}
