package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alfredjeanlab/beacon/internal/model"
	"github.com/alfredjeanlab/beacon/internal/server"
	"github.com/alfredjeanlab/beacon/internal/store/jsonl"
)

func startServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	st, err := jsonl.Open(filepath.Join(t.TempDir(), "locations.json"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	s, err := server.New(server.Options{
		Store:       st,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		SendTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.NewHTTPHandler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { s.CloseSubscribers() })
	return s, ts
}

func TestFeedURL(t *testing.T) {
	for _, tc := range []struct {
		in, want string
		wantErr  bool
	}{
		{in: "http://localhost:3000", want: "ws://localhost:3000/ws"},
		{in: "https://beacon.example.com/", want: "wss://beacon.example.com/ws"},
		{in: "http://proxy/beacon", want: "ws://proxy/beacon/ws"},
		{in: "ws://localhost:3000", want: "ws://localhost:3000/ws"},
		{in: "ftp://localhost", wantErr: true},
	} {
		got, err := FeedURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("FeedURL(%q) = %q, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("FeedURL(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestTail_ReceivesAckAndUpdates(t *testing.T) {
	_, ts := startServer(t)
	wsURL, err := FeedURL(ts.URL)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs := make(chan model.Message, 4)
	done := make(chan error, 1)
	go func() {
		done <- Tail(ctx, wsURL, func(m model.Message) error {
			msgs <- m
			if m.Type == model.MessageLocationUpdate {
				return ErrStopTail
			}
			return nil
		})
	}()

	ack := <-msgs
	if ack.Type != model.MessageConnectionAck || ack.ID == "" || ack.Message != model.AckText {
		t.Fatalf("ack = %+v", ack)
	}

	c := NewHTTPClient(ts.URL)
	resp, err := c.Collect(ctx, map[string]any{"lat": 48.85, "lng": 2.35})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Delivered != 1 {
		t.Errorf("Delivered = %d", resp.Delivered)
	}

	update := <-msgs
	if update.Data == nil {
		t.Fatalf("update has no data: %+v", update)
	}
	if update.Data.Payload["lat"] != json.Number("48.85") || update.Data.TargetID == "" {
		t.Errorf("data = %+v", update.Data)
	}
	if err := <-done; err != nil {
		t.Errorf("Tail = %v, want nil after ErrStopTail", err)
	}

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for st.ActiveAdmins != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		st, _ = c.Status(context.Background())
	}
	if st.ActiveAdmins != 0 {
		t.Errorf("ActiveAdmins = %d after tail ended", st.ActiveAdmins)
	}
}

func TestTail_ContextCancelEndsCleanly(t *testing.T) {
	_, ts := startServer(t)
	wsURL, _ := FeedURL(ts.URL)

	ctx, cancel := context.WithCancel(context.Background())
	acked := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Tail(ctx, wsURL, func(model.Message) error {
			close(acked)
			return nil
		})
	}()

	<-acked
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Tail = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Tail did not return after cancel")
	}
}

func TestTail_ServerShutdown(t *testing.T) {
	s, ts := startServer(t)
	wsURL, _ := FeedURL(ts.URL)

	acked := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Tail(context.Background(), wsURL, func(model.Message) error {
			close(acked)
			return nil
		})
	}()

	<-acked
	s.CloseSubscribers()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Tail = %v, want nil on going-away close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Tail did not return after server shutdown")
	}
}

func TestTail_CallbackError(t *testing.T) {
	_, ts := startServer(t)
	wsURL, _ := FeedURL(ts.URL)
	boom := errors.New("printer jammed")

	err := Tail(context.Background(), wsURL, func(model.Message) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Tail = %v, want callback error", err)
	}
}

func TestTail_DialFailure(t *testing.T) {
	err := Tail(context.Background(), "ws://127.0.0.1:1/ws", func(model.Message) error { return nil })
	if err == nil {
		t.Fatal("expected dial error")
	}
}
