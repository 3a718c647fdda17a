package pipeline

import (
	"testing"
	"time"
)

func TestTryAddNewMessage(t *testing.T) {
	s := New()
	res := s.TryAdd("m1", "b1", "q1", "pool-a", Callbacks{})
	if !res.Added {
		t.Fatal("expected Added=true for a brand new message")
	}
	if !s.Contains("m1") {
		t.Fatal("expected set to contain m1")
	}
}

func TestTryAddRedeliverySameBrokerMessage(t *testing.T) {
	s := New()
	s.TryAdd("m1", "b1", "q1", "pool-a", Callbacks{})

	res := s.TryAdd("m1", "b1", "q1", "pool-a", Callbacks{})
	if res.Added {
		t.Fatal("expected Added=false for a duplicate delivery with the same broker id")
	}
}

func TestTryAddRedeliveryWithNewReceiptUpdatesOriginal(t *testing.T) {
	s := New()
	var gotHandle string
	s.TryAdd("m1", "b1", "q1", "pool-a", Callbacks{
		UpdateReceiptHandle: func(handle string) { gotHandle = handle },
	})

	res := s.TryAdd("m1", "b2", "q1", "pool-a", Callbacks{})
	if res.Added {
		t.Fatal("expected Added=false: message is already in flight")
	}
	if res.Existing == nil {
		t.Fatal("expected Existing to be populated")
	}
	if gotHandle != "b2" {
		t.Errorf("expected original callback to receive refreshed broker id b2, got %q", gotHandle)
	}
	if !res.RefreshedReceipt {
		t.Error("expected RefreshedReceipt=true so the caller acks the redelivered copy")
	}
}

func TestRemove(t *testing.T) {
	s := New()
	s.TryAdd("m1", "b1", "q1", "pool-a", Callbacks{})
	s.Remove("m1")
	if s.Contains("m1") {
		t.Fatal("expected m1 removed")
	}
	if s.Size() != 0 {
		t.Errorf("expected size 0 after remove, got %d", s.Size())
	}
}

func TestRemoveOlderThan(t *testing.T) {
	s := New()
	s.TryAdd("m1", "b1", "q1", "pool-a", Callbacks{})

	stale := s.RemoveOlderThan(9999999999999)
	if len(stale) != 1 || stale[0] != "m1" {
		t.Fatalf("expected m1 to be swept as stale, got %v", stale)
	}
	if s.Contains("m1") {
		t.Fatal("expected m1 removed by sweep")
	}
}

func TestExtendVisibilityOnlyTouchesOldEntries(t *testing.T) {
	s := New()
	extendedOld := 0
	extendedNew := 0

	s.TryAdd("old", "b1", "q1", "pool-a", Callbacks{
		InProgress: func() error { extendedOld++; return nil },
	})
	// Backdate the entry past the threshold.
	if v, ok := s.byMessageID.Load("old"); ok {
		v.(*InFlightMessage).AddedAtMillis = time.Now().Add(-2 * time.Minute).UnixMilli()
	}

	s.TryAdd("new", "b2", "q1", "pool-a", Callbacks{
		InProgress: func() error { extendedNew++; return nil },
	})

	cutoff := time.Now().Add(-time.Minute).UnixMilli()
	if n := s.ExtendVisibility(cutoff); n != 1 {
		t.Fatalf("ExtendVisibility = %d, want 1", n)
	}
	if extendedOld != 1 {
		t.Errorf("old entry extended %d times, want 1", extendedOld)
	}
	if extendedNew != 0 {
		t.Errorf("new entry extended %d times, want 0", extendedNew)
	}
}
