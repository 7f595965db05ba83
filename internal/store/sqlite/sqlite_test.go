package sqlite

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/beacon/internal/model"
	"github.com/alfredjeanlab/beacon/internal/store"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "beacon.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newEvent(id string) *model.Event {
	return model.NewEvent(map[string]any{"lat": 1.5}, model.RequestMeta{
		IP:        "127.0.0.1",
		Timestamp: time.Now(),
		TargetID:  id,
	})
}

func TestSQLiteStore_AppendAndExport(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Append(ctx, newEvent(id)); err != nil {
			t.Fatalf("Append(%s): %v", id, err)
		}
	}

	var buf bytes.Buffer
	if err := s.Export(ctx, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	var got []string
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var ev model.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("invalid line %q: %v", sc.Text(), err)
		}
		got = append(got, ev.TargetID)
	}
	if fmt.Sprint(got) != "[a b c]" {
		t.Errorf("exported order = %v, want [a b c]", got)
	}
}

func TestSQLiteStore_ConcurrentAppends(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Append(context.Background(), newEvent(fmt.Sprintf("ev-%d", i))); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	var buf bytes.Buffer
	if err := s.Export(context.Background(), &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n := bytes.Count(buf.Bytes(), []byte("\n")); n != 20 {
		t.Fatalf("got %d events, want 20", n)
	}
}

func TestSQLiteStore_DuplicateTargetID(t *testing.T) {
	s := openTestStore(t)
	if err := s.Append(context.Background(), newEvent("dup")); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	err := s.Append(context.Background(), newEvent("dup"))
	var se *store.Error
	if !errors.As(err, &se) || se.Kind != store.KindWrite {
		t.Fatalf("duplicate Append = %v, want store.Error{Kind: write}", err)
	}
}

func TestSQLiteStore_ReadOnlyIsPermission(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.db.Exec("PRAGMA query_only = ON"); err != nil {
		t.Fatal(err)
	}

	err := s.Append(context.Background(), newEvent("ro"))
	var se *store.Error
	if !errors.As(err, &se) || se.Kind != store.KindPermission {
		t.Fatalf("Append on read-only db = %v, want kind %q", err, store.KindPermission)
	}
	if !store.IsFatal(err) {
		t.Error("read-only failure should be fatal")
	}
}

func TestSQLiteStore_FullIsNoSpace(t *testing.T) {
	s := openTestStore(t)
	if err := s.Append(context.Background(), newEvent("first")); err != nil {
		t.Fatal(err)
	}
	var pages int
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pages); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA max_page_count = %d", pages)); err != nil {
		t.Fatal(err)
	}

	big := model.NewEvent(map[string]any{"blob": strings.Repeat("x", 256<<10)}, model.RequestMeta{
		Timestamp: time.Now(),
		TargetID:  "big",
	})
	err := s.Append(context.Background(), big)
	var se *store.Error
	if !errors.As(err, &se) || se.Kind != store.KindNoSpace {
		t.Fatalf("Append past max_page_count = %v, want kind %q", err, store.KindNoSpace)
	}
}

func TestClassify_NonDriverErrors(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want store.ErrorKind
	}{
		{sql.ErrConnDone, store.KindUnavailable},
		{errors.New("database or disk is full"), store.KindWrite},
	} {
		var se *store.Error
		if err := classify("op", tc.err); !errors.As(err, &se) || se.Kind != tc.want {
			t.Errorf("classify(%v) = %v, want kind %q", tc.err, err, tc.want)
		}
	}
}
