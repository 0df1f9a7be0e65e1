package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pumplink/pumpsync/internal/history"
)

// setupTestStore creates a temporary state database for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return s
}

func ts(t *testing.T, value string) *time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("bad test timestamp %q: %v", value, err)
	}
	return &parsed
}

func TestGlobalStateAbsentBeforeFirstWrite(t *testing.T) {
	s := setupTestStore(t)

	g, err := s.GlobalState()
	if err != nil {
		t.Fatalf("GlobalState failed: %v", err)
	}
	if g != nil {
		t.Fatalf("expected nil state before first write, got %+v", g)
	}
}

func TestEnsureGlobalStateDefaults(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	g, err := s.EnsureGlobalState(ctx)
	if err != nil {
		t.Fatalf("EnsureGlobalState failed: %v", err)
	}
	if g.LookbackHours != DefaultLookbackHours {
		t.Errorf("lookback = %d, want %d", g.LookbackHours, DefaultLookbackHours)
	}
	if g.LastProcessedSeq != 0 {
		t.Errorf("watermark = %d, want 0", g.LastProcessedSeq)
	}
	if g.FirstEnabledTime == nil {
		t.Error("FirstEnabledTime not stamped on first ensure")
	}
	if g.LastSyncTime != nil {
		t.Errorf("LastSyncTime = %v, want nil", g.LastSyncTime)
	}
}

func TestUpsertGlobalStateFullReplace(t *testing.T) {
	s := setupTestStore(t)

	a := &GlobalState{LastProcessedSeq: 100, LookbackHours: 24, LastSyncTime: ts(t, "2026-01-01T10:00:00Z")}
	if err := s.UpsertGlobalState(a); err != nil {
		t.Fatalf("upsert A failed: %v", err)
	}

	b := &GlobalState{LastProcessedSeq: 250, LookbackHours: 48}
	if err := s.UpsertGlobalState(b); err != nil {
		t.Fatalf("upsert B failed: %v", err)
	}

	got, err := s.GlobalState()
	if err != nil {
		t.Fatalf("GlobalState failed: %v", err)
	}
	if got.LastProcessedSeq != 250 {
		t.Errorf("watermark = %d, want 250 (no partial merge)", got.LastProcessedSeq)
	}
	if got.LookbackHours != 48 {
		t.Errorf("lookback = %d, want 48", got.LookbackHours)
	}
	if got.LastSyncTime != nil {
		t.Errorf("LastSyncTime = %v, want nil after full replace", got.LastSyncTime)
	}
}

func TestFirstEnabledTimeStampedOnce(t *testing.T) {
	s := setupTestStore(t)

	first := ts(t, "2026-02-01T08:00:00Z")
	if err := s.UpsertGlobalState(&GlobalState{LookbackHours: 24, FirstEnabledTime: first}); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	later := ts(t, "2026-03-15T12:00:00Z")
	if err := s.UpsertGlobalState(&GlobalState{LookbackHours: 24, FirstEnabledTime: later}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if err := s.UpsertGlobalState(&GlobalState{LookbackHours: 24}); err != nil {
		t.Fatalf("third upsert failed: %v", err)
	}

	got, err := s.GlobalState()
	if err != nil {
		t.Fatalf("GlobalState failed: %v", err)
	}
	if got.FirstEnabledTime == nil || !got.FirstEnabledTime.Equal(*first) {
		t.Errorf("FirstEnabledTime = %v, want original %v", got.FirstEnabledTime, first)
	}
}

func TestAdvanceGlobal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsureGlobalState(ctx); err != nil {
		t.Fatalf("EnsureGlobalState failed: %v", err)
	}

	when := time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)
	if err := s.AdvanceGlobal(ctx, 420, when); err != nil {
		t.Fatalf("AdvanceGlobal failed: %v", err)
	}

	g, err := s.GlobalState()
	if err != nil {
		t.Fatalf("GlobalState failed: %v", err)
	}
	if g.LastProcessedSeq != 420 {
		t.Errorf("watermark = %d, want 420", g.LastProcessedSeq)
	}
	if g.LastSyncTime == nil || !g.LastSyncTime.Equal(when) {
		t.Errorf("LastSyncTime = %v, want %v", g.LastSyncTime, when)
	}

	// Permissive contract: a rewind writes through.
	if err := s.AdvanceGlobal(ctx, 100, when); err != nil {
		t.Fatalf("rewind AdvanceGlobal failed: %v", err)
	}
	g, _ = s.GlobalState()
	if g.LastProcessedSeq != 100 {
		t.Errorf("watermark after rewind = %d, want 100", g.LastProcessedSeq)
	}
}

func TestAdvanceGlobalRequiresInit(t *testing.T) {
	s := setupTestStore(t)

	if err := s.AdvanceGlobal(context.Background(), 5, time.Now()); err == nil {
		t.Fatal("expected error advancing before global state exists")
	}
}

func TestSetLookbackHoursLeavesOtherFields(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	start := ts(t, "2026-04-01T00:00:00Z")
	end := ts(t, "2026-04-02T00:00:00Z")
	if err := s.UpsertGlobalState(&GlobalState{LastProcessedSeq: 77, LookbackHours: 24, RetroStart: start, RetroEnd: end}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if err := s.SetLookbackHours(ctx, 72); err != nil {
		t.Fatalf("SetLookbackHours failed: %v", err)
	}

	g, _ := s.GlobalState()
	if g.LookbackHours != 72 {
		t.Errorf("lookback = %d, want 72", g.LookbackHours)
	}
	if g.LastProcessedSeq != 77 {
		t.Errorf("watermark disturbed: %d", g.LastProcessedSeq)
	}
	if !g.HasRetroactiveRange() {
		t.Error("retroactive range disturbed by lookback update")
	}

	if err := s.SetLookbackHours(ctx, 0); err == nil {
		t.Error("expected error for non-positive lookback")
	}
}

func TestSetRetroactiveRange(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsureGlobalState(ctx); err != nil {
		t.Fatalf("EnsureGlobalState failed: %v", err)
	}

	start := ts(t, "2026-01-10T00:00:00Z")
	end := ts(t, "2026-01-12T00:00:00Z")

	if err := s.SetRetroactiveRange(ctx, start, end); err != nil {
		t.Fatalf("SetRetroactiveRange failed: %v", err)
	}

	g, _ := s.GlobalState()
	if !g.HasRetroactiveRange() {
		t.Fatal("range not set")
	}
	if !g.RetroStart.Equal(*start) || !g.RetroEnd.Equal(*end) {
		t.Errorf("range = [%v, %v], want [%v, %v]", g.RetroStart, g.RetroEnd, start, end)
	}

	// Clearing sets both sides absent atomically.
	if err := s.SetRetroactiveRange(ctx, nil, nil); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	g, _ = s.GlobalState()
	if g.RetroStart != nil || g.RetroEnd != nil {
		t.Errorf("range not cleared: [%v, %v]", g.RetroStart, g.RetroEnd)
	}

	// Exactly one bound present is a caller error and leaves state alone.
	if err := s.SetRetroactiveRange(ctx, start, nil); err == nil {
		t.Error("expected error for single-sided range")
	}
	if err := s.SetRetroactiveRange(ctx, nil, end); err == nil {
		t.Error("expected error for single-sided range")
	}
	g, _ = s.GlobalState()
	if g.RetroStart != nil || g.RetroEnd != nil {
		t.Error("rejected write mutated state")
	}

	// Inverted window violates start <= end.
	if err := s.SetRetroactiveRange(ctx, end, start); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestClearAll(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsureGlobalState(ctx); err != nil {
		t.Fatalf("EnsureGlobalState failed: %v", err)
	}
	ps := &ProcessorState{Type: history.ProcessorBolus, LastProcessedSeq: 9}
	if err := s.UpsertProcessorState(ctx, ps); err != nil {
		t.Fatalf("UpsertProcessorState failed: %v", err)
	}

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}

	g, err := s.GlobalState()
	if err != nil {
		t.Fatalf("GlobalState failed: %v", err)
	}
	if g != nil {
		t.Errorf("global state survived reset: %+v", g)
	}

	states, err := s.AllProcessorStates(ctx)
	if err != nil {
		t.Fatalf("AllProcessorStates failed: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("processor states survived reset: %v", states)
	}
}

func TestProcessorStateRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	got, err := s.ProcessorState(ctx, history.ProcessorCGM)
	if err != nil {
		t.Fatalf("ProcessorState failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil before first sync, got %+v", got)
	}

	a := &ProcessorState{Type: history.ProcessorCGM, LastProcessedSeq: 1000, LastSuccessTime: ts(t, "2026-06-01T06:00:00Z")}
	if err := s.UpsertProcessorState(ctx, a); err != nil {
		t.Fatalf("upsert A failed: %v", err)
	}

	b := &ProcessorState{Type: history.ProcessorCGM, LastProcessedSeq: 1500}
	if err := s.UpsertProcessorState(ctx, b); err != nil {
		t.Fatalf("upsert B failed: %v", err)
	}

	got, err = s.ProcessorState(ctx, history.ProcessorCGM)
	if err != nil {
		t.Fatalf("ProcessorState failed: %v", err)
	}
	if got.LastProcessedSeq != 1500 {
		t.Errorf("watermark = %d, want 1500 (full replace)", got.LastProcessedSeq)
	}
	if got.LastSuccessTime != nil {
		t.Errorf("LastSuccessTime = %v, want nil (full replace)", got.LastSuccessTime)
	}
}

func TestAllProcessorStates(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i, pt := range []history.ProcessorType{history.ProcessorAlarm, history.ProcessorBolus, history.ProcessorCGM} {
		ps := &ProcessorState{Type: pt, LastProcessedSeq: int64(i + 1)}
		if err := s.UpsertProcessorState(ctx, ps); err != nil {
			t.Fatalf("upsert %s failed: %v", pt, err)
		}
	}

	states, err := s.AllProcessorStates(ctx)
	if err != nil {
		t.Fatalf("AllProcessorStates failed: %v", err)
	}
	if len(states) != 3 {
		t.Fatalf("expected 3 states, got %d", len(states))
	}
	seen := make(map[string]int64)
	for _, ps := range states {
		seen[ps.Type.Name()] = ps.LastProcessedSeq
	}
	if seen["alarm"] != 1 || seen["bolus"] != 2 || seen["cgm"] != 3 {
		t.Errorf("unexpected states: %v", seen)
	}
}

func TestUpsertProcessorStateRejectsZeroType(t *testing.T) {
	s := setupTestStore(t)

	if err := s.UpsertProcessorState(context.Background(), &ProcessorState{LastProcessedSeq: 1}); err == nil {
		t.Fatal("expected error for zero processor type")
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.InitSchema(); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if _, err := s.EnsureGlobalState(ctx); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := s.AdvanceGlobal(ctx, 333, time.Now()); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	if err := s2.InitSchema(); err != nil {
		t.Fatalf("reinit failed: %v", err)
	}

	g, err := s2.GlobalState()
	if err != nil {
		t.Fatalf("GlobalState failed: %v", err)
	}
	if g == nil || g.LastProcessedSeq != 333 {
		t.Errorf("watermark did not survive restart: %+v", g)
	}
}
