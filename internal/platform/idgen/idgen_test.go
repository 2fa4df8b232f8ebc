package idgen

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
}

func TestSequenceGenerator_SpecimenIDFormat(t *testing.T) {
	g := NewSequenceGenerator(NewAtomicCounter(0), fixedClock)
	id, err := g.NextSpecimenID(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "SP-20261016-000001" {
		t.Errorf("expected SP-20261016-000001, got %s", id)
	}
}

func TestSequenceGenerator_BarcodeHasCheckDigit(t *testing.T) {
	g := NewSequenceGenerator(NewAtomicCounter(0), fixedClock)
	code, err := g.NextBarcode(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(code) != 12 {
		t.Errorf("expected 12-digit barcode, got %q", code)
	}
	if !ValidBarcode(code) {
		t.Errorf("expected valid check digit on %q", code)
	}
}

func TestSequenceGenerator_Exhausted(t *testing.T) {
	g := NewSequenceGenerator(NewAtomicCounter(maxDailySequence), fixedClock)
	_, err := g.NextSpecimenID(context.Background())
	if !errors.Is(err, ErrIdentityExhausted) {
		t.Fatalf("expected ErrIdentityExhausted, got %v", err)
	}
}

func TestSequenceGenerator_ConcurrentUnique(t *testing.T) {
	g := NewSequenceGenerator(NewAtomicCounter(0), fixedClock)
	const workers, per = 16, 50

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				id, err := g.NextSpecimenID(context.Background())
				if err != nil {
					t.Error(err)
					return
				}
				code, err := g.NextBarcode(context.Background())
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[id] || seen[code] {
					t.Errorf("duplicate identity %s / %s", id, code)
				}
				seen[id] = true
				seen[code] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 2*workers*per {
		t.Errorf("expected %d unique identities, got %d", 2*workers*per, len(seen))
	}
}

func TestAtomicCounter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewAtomicCounter(0).Next(ctx, "k"); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestRandomGenerator_RetriesOnCollision(t *testing.T) {
	calls := 0
	exists := func(_ context.Context, kind Kind, _ string) (bool, error) {
		calls++
		return calls < 3, nil
	}
	g := NewRandomGenerator(exists, 5, fixedClock)
	id, err := g.NextSpecimenID(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 existence checks, got %d", calls)
	}
	if !strings.HasPrefix(id, "SP-20261016-R") {
		t.Errorf("unexpected id format %q", id)
	}
}

func TestRandomGenerator_Exhausted(t *testing.T) {
	exists := func(context.Context, Kind, string) (bool, error) { return true, nil }
	g := NewRandomGenerator(exists, 3, fixedClock)
	_, err := g.NextBarcode(context.Background())
	if !errors.Is(err, ErrIdentityExhausted) {
		t.Fatalf("expected ErrIdentityExhausted, got %v", err)
	}
}

func TestRandomGenerator_CheckError(t *testing.T) {
	boom := errors.New("store down")
	exists := func(context.Context, Kind, string) (bool, error) { return false, boom }
	g := NewRandomGenerator(exists, 3, fixedClock)
	_, err := g.NextBarcode(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestLuhn(t *testing.T) {
	tests := []struct {
		code  string
		valid bool
	}{
		{"79927398713", true},
		{"79927398710", false},
		{WithCheckDigit("00000000001"), true},
		{"12a4", false},
		{"7", false},
	}
	for _, tt := range tests {
		if got := ValidBarcode(tt.code); got != tt.valid {
			t.Errorf("ValidBarcode(%q) = %v, want %v", tt.code, got, tt.valid)
		}
	}
}
