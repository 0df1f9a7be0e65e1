package statebus

import (
	"testing"
	"time"
)

func TestPutGetRoundTrip(t *testing.T) {
	b := NewMemoryBus()
	now := time.Now()

	if err := b.Put(KeyPumpBattery, IntValue(80), now); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	e, ok := b.Get(KeyPumpBattery)
	if !ok {
		t.Fatal("Get found nothing")
	}
	if e.Value.Kind != KindInt || e.Value.Int != 80 {
		t.Errorf("value = %+v, want int 80", e.Value)
	}
	if !e.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", e.Timestamp, now)
	}

	if _, ok := b.Get("nonexistent"); ok {
		t.Error("Get returned entry for unknown key")
	}
}

func TestPutLastWriteWins(t *testing.T) {
	b := NewMemoryBus()
	base := time.Now()

	if err := b.Put(KeyConnected, BoolValue(true), base); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Older write dropped.
	if err := b.Put(KeyConnected, BoolValue(false), base.Add(-time.Second)); err != nil {
		t.Fatalf("stale Put failed: %v", err)
	}
	if e, _ := b.Get(KeyConnected); !e.Value.Bool {
		t.Error("stale write overwrote newer value")
	}

	// Equal timestamp dropped too (echo suppression).
	if err := b.Put(KeyConnected, BoolValue(false), base); err != nil {
		t.Fatalf("echo Put failed: %v", err)
	}
	if e, _ := b.Get(KeyConnected); !e.Value.Bool {
		t.Error("equal-timestamp write overwrote value")
	}

	// Newer write wins.
	if err := b.Put(KeyConnected, BoolValue(false), base.Add(time.Second)); err != nil {
		t.Fatalf("newer Put failed: %v", err)
	}
	if e, _ := b.Get(KeyConnected); e.Value.Bool {
		t.Error("newer write did not win")
	}
}

func TestPutValidation(t *testing.T) {
	b := NewMemoryBus()

	if err := b.Put("", IntValue(1), time.Now()); err == nil {
		t.Error("expected error for empty key")
	}
	if err := b.Put(KeyConnected, Value{Kind: "mystery"}, time.Now()); err == nil {
		t.Error("expected error for invalid kind")
	}
}

func TestAll(t *testing.T) {
	b := NewMemoryBus()
	now := time.Now()

	b.Put(KeyConnected, BoolValue(true), now)
	b.Put(KeyInsulinOnBoard, FloatValue(1.35), now)

	all := b.All()
	if len(all) != 2 {
		t.Fatalf("All returned %d entries, want 2", len(all))
	}
	if all[KeyInsulinOnBoard].Value.Float != 1.35 {
		t.Errorf("iob = %v, want 1.35", all[KeyInsulinOnBoard].Value.Float)
	}

	// Mutating the copy must not touch the bus.
	delete(all, KeyConnected)
	if _, ok := b.Get(KeyConnected); !ok {
		t.Error("All returned aliased map")
	}
}

func TestObserveFutureChangesOnly(t *testing.T) {
	b := NewMemoryBus()
	base := time.Now()

	b.Put(KeyPumpBattery, IntValue(90), base)

	sub := b.Observe(KeyPumpBattery)
	defer sub.Cancel()

	select {
	case u := <-sub.C:
		t.Fatalf("received history replay: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}

	b.Put(KeyPumpBattery, IntValue(85), base.Add(time.Second))

	select {
	case u := <-sub.C:
		if u.Key != KeyPumpBattery || u.Entry.Value.Int != 85 {
			t.Errorf("update = %+v, want battery 85", u)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestObserveIgnoresOtherKeysAndStaleWrites(t *testing.T) {
	b := NewMemoryBus()
	base := time.Now()

	sub := b.Observe(KeyConnected)
	defer sub.Cancel()

	b.Put(KeyPumpBattery, IntValue(50), base)
	b.Put(KeyConnected, BoolValue(true), base)
	b.Put(KeyConnected, BoolValue(false), base.Add(-time.Minute)) // stale, dropped

	select {
	case u := <-sub.C:
		if u.Key != KeyConnected || !u.Entry.Value.Bool {
			t.Errorf("update = %+v, want connected=true", u)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}

	select {
	case u := <-sub.C:
		t.Fatalf("unexpected extra update: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserveWildcard(t *testing.T) {
	b := NewMemoryBus()
	base := time.Now()

	sub := b.Observe("")
	defer sub.Cancel()

	b.Put(KeyConnected, BoolValue(true), base)
	b.Put(KeyPumpBattery, IntValue(42), base)

	keys := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case u := <-sub.C:
			keys[u.Key] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for updates")
		}
	}
	if !keys[KeyConnected] || !keys[KeyPumpBattery] {
		t.Errorf("wildcard observer missed keys: %v", keys)
	}
}

func TestObserveUnboundedDelivery(t *testing.T) {
	b := NewMemoryBus()
	base := time.Now()

	sub := b.Observe(KeyPumpBattery)
	defer sub.Cancel()

	// A receiver that hasn't started draining must not block or lose
	// writers' updates.
	const n = 500
	for i := 0; i < n; i++ {
		b.Put(KeyPumpBattery, IntValue(i), base.Add(time.Duration(i)*time.Millisecond))
	}

	got := 0
	deadline := time.After(5 * time.Second)
	for got < n {
		select {
		case <-sub.C:
			got++
		case <-deadline:
			t.Fatalf("received %d of %d updates before deadline", got, n)
		}
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewMemoryBus()

	sub := b.Observe(KeyConnected)
	sub.Cancel()

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("received update after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Writes after cancel must not panic or deliver.
	if err := b.Put(KeyConnected, BoolValue(true), time.Now()); err != nil {
		t.Fatalf("Put after cancel failed: %v", err)
	}
}

func TestClearAll(t *testing.T) {
	b := NewMemoryBus()

	b.Put(KeyConnected, BoolValue(true), time.Now())
	if err := b.ClearAll(); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	if len(b.All()) != 0 {
		t.Error("entries survived ClearAll")
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{BoolValue(true), "true"},
		{IntValue(7), "7"},
		{FloatValue(1.5), "1.5"},
		{TextValue("hello"), "hello"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String(%+v) = %q, want %q", tt.v, got, tt.want)
		}
	}
}
