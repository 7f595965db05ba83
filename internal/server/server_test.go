package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alfredjeanlab/beacon/internal/model"
	"github.com/alfredjeanlab/beacon/internal/registry/registrytest"
	"github.com/alfredjeanlab/beacon/internal/store"
)

var timestampRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)

// mockStore is an in-memory EventStore.
type mockStore struct {
	mu        sync.Mutex
	events    []*model.Event
	appendErr error
	panics    bool
}

func (m *mockStore) Append(_ context.Context, e *model.Event) error {
	if m.panics {
		panic("store exploded")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.events = append(m.events, e)
	return nil
}

func (m *mockStore) Export(_ context.Context, w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	enc := json.NewEncoder(w)
	for _, e := range m.events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) stored() []*model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Event(nil), m.events...)
}

// recordingPublisher captures mirrored events.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []any
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, opts Options) (*Server, *mockStore) {
	t.Helper()
	ms, _ := opts.Store.(*mockStore)
	if opts.Store == nil {
		ms = &mockStore{}
		opts.Store = ms
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger
	}
	if opts.SendTimeout == 0 {
		opts.SendTimeout = time.Second
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.CloseSubscribers() })
	return s, ms
}

func decodeMessage(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("invalid message %q: %v", raw, err)
	}
	return m
}

func TestNew_RequiresStore(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without a store")
	}
}

func TestIngest_ValidationError(t *testing.T) {
	s, ms := newTestServer(t, Options{})
	for _, body := range []string{`[1,2]`, `"text"`, `{"lat":`, `{} {}`} {
		_, err := s.Ingest(context.Background(), []byte(body), model.RequestMeta{})
		var ve *model.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("Ingest(%q) error = %v, want ValidationError", body, err)
		}
	}
	if n := len(ms.stored()); n != 0 {
		t.Errorf("rejected payloads were persisted: %d", n)
	}
}

func TestIngest_EnrichesAndPersists(t *testing.T) {
	s, ms := newTestServer(t, Options{})
	ts := time.Date(2026, 3, 4, 5, 6, 7, 890_000_000, time.UTC)

	res, err := s.Ingest(context.Background(),
		[]byte(`{"lat":51.5,"lng":-0.12,"ip":"spoofed","targetId":"mine"}`),
		model.RequestMeta{IP: "198.51.100.4", UserAgent: "fieldkit/2", Timestamp: ts})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.StoreErr != nil {
		t.Fatalf("StoreErr = %v", res.StoreErr)
	}

	stored := ms.stored()
	if len(stored) != 1 {
		t.Fatalf("stored %d events, want 1", len(stored))
	}
	fields := stored[0].Fields()
	if fields["ip"] != "198.51.100.4" {
		t.Errorf("ip = %v, system value must win", fields["ip"])
	}
	if fields["targetId"] == "mine" || fields["targetId"] == "" {
		t.Errorf("targetId = %v, want server-assigned", fields["targetId"])
	}
	if fields["timestamp"] != "2026-03-04T05:06:07.890Z" {
		t.Errorf("timestamp = %v", fields["timestamp"])
	}
	if fields["userAgent"] != "fieldkit/2" {
		t.Errorf("userAgent = %v", fields["userAgent"])
	}
	if got := string(mustJSON(t, fields["lat"])); got != "51.5" {
		t.Errorf("lat = %s", got)
	}
}

func TestIngest_AssignsDistinctTargetIDs(t *testing.T) {
	s, ms := newTestServer(t, Options{})
	for i := 0; i < 20; i++ {
		if _, err := s.Ingest(context.Background(), []byte(`{}`), model.RequestMeta{}); err != nil {
			t.Fatal(err)
		}
	}
	seen := map[string]bool{}
	for _, e := range ms.stored() {
		if seen[e.TargetID] {
			t.Fatalf("duplicate targetId %q", e.TargetID)
		}
		seen[e.TargetID] = true
		if !timestampRE.MatchString(e.Fields()["timestamp"].(string)) {
			t.Errorf("timestamp %v not ISO-8601 with milliseconds", e.Fields()["timestamp"])
		}
	}
}

func TestIngest_FanOutSameEvent(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	conns := []*registrytest.Conn{registrytest.NewConn(), registrytest.NewConn(), registrytest.NewConn()}
	for _, c := range conns {
		if _, err := s.Registry().Register(c); err != nil {
			t.Fatal(err)
		}
	}

	res, err := s.Ingest(context.Background(), []byte(`{"lat":1}`), model.RequestMeta{IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Delivered != 3 {
		t.Fatalf("Delivered = %d, want 3", res.Delivered)
	}
	for i, c := range conns {
		msgs := c.Messages()
		if len(msgs) != 1 {
			t.Fatalf("conn %d got %d messages", i, len(msgs))
		}
		m := decodeMessage(t, msgs[0])
		if m["type"] != model.MessageLocationUpdate {
			t.Errorf("conn %d type = %v", i, m["type"])
		}
		data, _ := m["data"].(map[string]any)
		if data["targetId"] != res.Event.TargetID {
			t.Errorf("conn %d targetId = %v, want %q", i, data["targetId"], res.Event.TargetID)
		}
	}
}

func TestIngest_FaultIsolation(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	bad := registrytest.NewConn()
	bad.Fail = true
	good := registrytest.NewConn()
	s.Registry().Register(bad)
	s.Registry().Register(good)

	res, err := s.Ingest(context.Background(), []byte(`{}`), model.RequestMeta{})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Delivered != 1 || len(good.Messages()) != 1 {
		t.Fatalf("Delivered = %d, healthy conn got %d", res.Delivered, len(good.Messages()))
	}
}

func TestIngest_PersistenceIndependence(t *testing.T) {
	storeErr := store.WrapWrite("append", syscall.ENOSPC)
	s, _ := newTestServer(t, Options{Store: &mockStore{appendErr: storeErr}})
	c := registrytest.NewConn()
	s.Registry().Register(c)

	res, err := s.Ingest(context.Background(), []byte(`{"lat":2}`), model.RequestMeta{})
	if err != nil {
		t.Fatalf("Ingest returned %v; persistence failure must not fail ingestion", err)
	}
	if !errors.Is(res.StoreErr, syscall.ENOSPC) {
		t.Errorf("StoreErr = %v, want ENOSPC", res.StoreErr)
	}
	if res.Delivered != 1 || len(c.Messages()) != 1 {
		t.Errorf("event was not broadcast after store failure")
	}

	st := s.Status()
	if st.StoreErrors != 1 {
		t.Errorf("StoreErrors = %d, want 1", st.StoreErrors)
	}
	if st.LastStoreErrorKind != store.KindNoSpace {
		t.Errorf("LastStoreErrorKind = %q, want %q", st.LastStoreErrorKind, store.KindNoSpace)
	}
}

func TestIngest_MirrorsToPublisher(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("bus down")}
	s, _ := newTestServer(t, Options{Publisher: pub})

	res, err := s.Ingest(context.Background(), []byte(`{"lat":3}`), model.RequestMeta{})
	if err != nil {
		t.Fatalf("Ingest: %v (publisher failure must be ignored)", err)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.topics) != 1 || pub.topics[0] != "beacon.location.update" {
		t.Fatalf("topics = %v", pub.topics)
	}
	if pub.events[0] != res.Event {
		t.Errorf("published %v, want the ingested event", pub.events[0])
	}
}

func TestIngest_CancelledRequestStillDelivers(t *testing.T) {
	s, ms := newTestServer(t, Options{})
	c := registrytest.NewConn()
	s.Registry().Register(c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Ingest(ctx, []byte(`{}`), model.RequestMeta{}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(ms.stored()) != 1 || len(c.Messages()) != 1 {
		t.Fatal("event dropped because the producer went away")
	}
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	s.Registry().Register(registrytest.NewConn())
	s.Registry().Register(registrytest.NewConn())

	st := s.Status()
	if st.Status != "running" || st.ActiveAdmins != 2 {
		t.Fatalf("Status() = %+v", st)
	}
	if st.Uptime < 0 {
		t.Errorf("Uptime = %v", st.Uptime)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
