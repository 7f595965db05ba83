package idgen

import (
	"regexp"
	"strings"
	"sync"
	"testing"
)

func TestGenerate_Length(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if len(id) != Length {
		t.Errorf("Generate() length = %d, want %d (id=%q)", len(id), Length, id)
	}
}

func TestGenerate_Charset(t *testing.T) {
	pattern := regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	for i := 0; i < 100; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatalf("Generate() error on iteration %d: %v", i, err)
		}
		if !pattern.MatchString(id) {
			t.Fatalf("Generate() = %q, does not match expected charset pattern", id)
		}
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	const count = 10_000
	seen := make(map[string]struct{}, count)
	for i := 0; i < count; i++ {
		id, err := Generate()
		if err != nil {
			t.Fatalf("Generate() error on iteration %d: %v", i, err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate ID after %d generations: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	prefix := "test-"
	id, err := GenerateWithPrefix(prefix)
	if err != nil {
		t.Fatalf("GenerateWithPrefix(%q) error: %v", prefix, err)
	}
	if !strings.HasPrefix(id, prefix) {
		t.Errorf("GenerateWithPrefix(%q) = %q, want prefix %q", prefix, id, prefix)
	}
	if wantLen := len(prefix) + Length; len(id) != wantLen {
		t.Errorf("GenerateWithPrefix(%q) length = %d, want %d (id=%q)", prefix, len(id), wantLen, id)
	}
}

func TestSequence_Format(t *testing.T) {
	seq, err := NewSequence("conn-")
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}
	pattern := regexp.MustCompile(`^conn-[a-zA-Z0-9]{8}-[0-9a-z]+$`)
	for i := 0; i < 50; i++ {
		if id := seq.Next(); !pattern.MatchString(id) {
			t.Fatalf("Next() = %q, does not match %s", id, pattern)
		}
	}
}

func TestSequence_ConcurrentUniqueness(t *testing.T) {
	seq, err := NewSequence("")
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}

	const workers, perWorker = 16, 500
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, seq.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate ID %q", id)
				}
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("got %d distinct IDs, want %d", len(seen), workers*perWorker)
	}
}

func TestSequence_DistinctNonces(t *testing.T) {
	a, err := NewSequence("")
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}
	b, err := NewSequence("")
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}
	if a.Next() == b.Next() {
		t.Fatal("two sequences produced the same first ID")
	}
}
