// Package engine drives incremental history synchronization: one pass per
// tick, one independent fetch→transform→upload pipeline per history
// category, durable watermarks in the store package.
//
// The engine guarantees at-least-once delivery: a category's watermark only
// advances past a sequence ID once that ID and everything below it (since
// the previous watermark) has been acknowledged by the upload sink. The
// sink dedups by the same idempotent identifier the transform derives from
// the sequence ID, so retries are harmless.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pumplink/pumpsync/internal/history"
	"github.com/pumplink/pumpsync/internal/pump"
	"github.com/pumplink/pumpsync/internal/store"
	"github.com/pumplink/pumpsync/internal/upload"
)

// Phase is a category's position in its per-tick state machine.
type Phase string

const (
	// PhaseIdle means the category is waiting for the next tick.
	PhaseIdle Phase = "idle"

	// PhaseFetching means records are being read from the device.
	PhaseFetching Phase = "fetching"

	// PhaseUploading means payloads are being submitted to the sink.
	PhaseUploading Phase = "uploading"

	// PhaseAdvancing means the tick succeeded and the watermark moved.
	PhaseAdvancing Phase = "advancing"

	// PhaseRetryPending means the tick failed (fully or partially) and the
	// category restarts from its last confirmed watermark next tick. There
	// is no permanent-failure state: device history is never abandoned.
	PhaseRetryPending Phase = "retry-pending"
)

// CategoryStatus is the queryable per-category state. Presentation layers
// poll this instead of handling propagated errors.
type CategoryStatus struct {
	Type            history.ProcessorType
	Phase           Phase
	Watermark       int64
	LastError       string
	LastErrorTime   *time.Time
	LastSuccessTime *time.Time
}

// CategoryResult reports one category's outcome for one pass.
type CategoryResult struct {
	Type      history.ProcessorType
	Uploaded  int
	Watermark int64
	Err       error
}

// PassResult reports one whole sync pass.
type PassResult struct {
	Categories []CategoryResult
	Healed     int // records recovered by gap re-requests
	Duration   time.Duration
}

// Failed returns the results of categories that errored this pass.
func (r PassResult) Failed() []CategoryResult {
	var out []CategoryResult
	for _, c := range r.Categories {
		if c.Err != nil {
			out = append(out, c)
		}
	}
	return out
}

// Config holds the collaborators an Orchestrator composes.
type Config struct {
	Source pump.RecordSource
	Sink   upload.Sink
	Store  *store.Store

	// Device names this uploader in outgoing payloads.
	Device string

	// Logger for engine activity. Nil gets a stderr default.
	Logger *log.Logger
}

// Orchestrator runs sync passes. Construct with New; safe for one pass at a
// time (the daemon serializes ticks).
type Orchestrator struct {
	source pump.RecordSource
	sink   upload.Sink
	store  *store.Store
	device string
	logger *log.Logger

	mu     sync.Mutex
	status map[string]*CategoryStatus
}

// New creates an Orchestrator. Source, Sink, and Store are required.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("record source is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("upload sink is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	device := cfg.Device
	if device == "" {
		device = "pumpsync"
	}

	status := make(map[string]*CategoryStatus)
	for _, pt := range history.AllProcessors() {
		status[pt.Name()] = &CategoryStatus{Type: pt, Phase: PhaseIdle}
	}

	return &Orchestrator{
		source: cfg.Source,
		sink:   cfg.Sink,
		store:  cfg.Store,
		device: device,
		logger: logger,
		status: status,
	}, nil
}

// Status returns a snapshot of every category's state in registry order.
func (o *Orchestrator) Status() []CategoryStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]CategoryStatus, 0, len(o.status))
	for _, pt := range history.AllProcessors() {
		out = append(out, *o.status[pt.Name()])
	}
	return out
}

// RunPass executes one sync pass: fetch every category concurrently, heal
// transport gaps detected across the pass, then upload per category and
// advance watermarks. Per-category failures are reported in the result,
// never returned as the pass error; the returned error covers only
// pass-level storage failures.
func (o *Orchestrator) RunPass(ctx context.Context) (PassResult, error) {
	start := time.Now()

	global, err := o.store.EnsureGlobalState(ctx)
	if err != nil {
		return PassResult{}, fmt.Errorf("failed to load global sync state: %w", err)
	}

	fetched, fetchErrs := o.fetchAll(ctx, global)
	healed := o.healGaps(ctx, global, fetched)

	var wg sync.WaitGroup
	results := make([]CategoryResult, len(history.AllProcessors()))
	for i, pt := range history.AllProcessors() {
		if err := fetchErrs[pt.Name()]; err != nil {
			results[i] = CategoryResult{Type: pt, Err: err}
			continue
		}

		wg.Add(1)
		go func(i int, pt history.ProcessorType) {
			defer wg.Done()
			results[i] = o.uploadCategory(ctx, pt, global, fetched[pt.Name()])
		}(i, pt)
	}
	wg.Wait()

	o.finishPass(ctx, global, results)

	return PassResult{
		Categories: results,
		Healed:     healed,
		Duration:   time.Since(start),
	}, nil
}

// fetchAll reads every category's window concurrently. A category's fetch
// failure lands in the error map and does not block the others.
func (o *Orchestrator) fetchAll(ctx context.Context, global *store.GlobalState) (map[string][]pump.Record, map[string]error) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	fetched := make(map[string][]pump.Record)
	errs := make(map[string]error)

	for _, pt := range history.AllProcessors() {
		wg.Add(1)
		go func(pt history.ProcessorType) {
			defer wg.Done()
			o.setPhase(pt, PhaseFetching)

			recs, err := o.fetchCategory(ctx, pt, global)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[pt.Name()] = err
				o.recordError(pt, err)
				return
			}
			fetched[pt.Name()] = recs
		}(pt)
	}
	wg.Wait()

	return fetched, errs
}

// fetchCategory reads one category's forward window plus, when active, the
// retroactive backfill window. Retroactive records are merged in and later
// uploaded without moving the watermark.
func (o *Orchestrator) fetchCategory(ctx context.Context, pt history.ProcessorType, global *store.GlobalState) ([]pump.Record, error) {
	ps, err := o.store.ProcessorState(ctx, pt)
	if err != nil {
		return nil, err
	}

	window := pump.Window{}
	if ps != nil {
		window.AfterSeq = ps.LastProcessedSeq
	} else {
		// Cold category: bound the first fetch by the lookback window
		// instead of pulling the pump's entire lifetime.
		window.Since = time.Now().Add(-time.Duration(global.LookbackHours) * time.Hour)
	}

	recs, err := o.source.Fetch(ctx, pt, window)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pt, err)
	}

	if global.HasRetroactiveRange() {
		retro, err := o.source.Fetch(ctx, pt, pump.Window{
			Since: *global.RetroStart,
			Until: *global.RetroEnd,
		})
		if err != nil {
			return nil, fmt.Errorf("retroactive fetch %s: %w", pt, err)
		}
		recs = append(recs, retro...)
	}

	return dedupeBySeq(recs), nil
}

// healGaps looks across everything fetched this pass for sequence IDs that
// should have arrived but did not, and re-requests each missing run once
// when the source supports range fetches. Recovered records are routed into
// their category's bucket. Returns the number of records recovered.
//
// The gap domain starts at the global watermark + 1 when a watermark
// exists, otherwise at the lowest observed ID — a cold start's unfetched
// prehistory is not a gap.
func (o *Orchestrator) healGaps(ctx context.Context, global *store.GlobalState, fetched map[string][]pump.Record) int {
	ranger, ok := o.source.(pump.RangeSource)
	if !ok {
		return 0
	}

	var observed []int64
	for _, recs := range fetched {
		for _, r := range recs {
			observed = append(observed, r.Seq)
		}
	}
	if len(observed) == 0 {
		return 0
	}

	lo, hi := observed[0], observed[0]
	for _, id := range observed {
		if id < lo {
			lo = id
		}
		if id > hi {
			hi = id
		}
	}
	if global.LastProcessedSeq > 0 && global.LastProcessedSeq+1 > lo {
		lo = global.LastProcessedSeq + 1
	}
	if lo > hi {
		return 0
	}

	healed := 0
	for _, gap := range history.FindMissingRanges(observed, lo, hi) {
		recs, err := ranger.FetchRange(ctx, gap)
		if err != nil {
			o.logger.Printf("Warning: failed to re-request gap %v: %v", gap, err)
			continue
		}
		for _, rec := range recs {
			if rec.Category.IsZero() {
				continue
			}
			key := rec.Category.Name()
			if _, fetchedOK := fetched[key]; !fetchedOK {
				// Category failed its primary fetch this pass; don't
				// resurrect it with partial data.
				continue
			}
			fetched[key] = append(fetched[key], rec)
			healed++
		}
	}

	for key := range fetched {
		fetched[key] = dedupeBySeq(fetched[key])
	}

	return healed
}

// uploadCategory transforms and submits one category's records in ascending
// sequence order, then advances the watermark to the highest contiguous
// acknowledged ID. Records at or below the watermark are uploaded (they are
// retroactive, and the sink dedups) but never move it.
func (o *Orchestrator) uploadCategory(ctx context.Context, pt history.ProcessorType, global *store.GlobalState, recs []pump.Record) CategoryResult {
	o.setPhase(pt, PhaseUploading)

	ps, err := o.store.ProcessorState(ctx, pt)
	if err != nil {
		o.recordError(pt, err)
		return CategoryResult{Type: pt, Err: err}
	}
	if ps == nil {
		ps = &store.ProcessorState{Type: pt}
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	uploaded := 0
	acked := ps.LastProcessedSeq
	var failure error

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			failure = err
			break
		}

		// The watermark is the dedup authority, not the remote service.
		// Records at or below it are skipped unless they belong to the
		// active retroactive window, which re-submits regardless.
		if rec.Seq <= ps.LastProcessedSeq && !inRetroWindow(global, rec) {
			continue
		}

		payload, err := buildPayload(pt, rec, o.device)
		if err != nil {
			failure = err
			break
		}

		if err := o.sink.Submit(ctx, payload); err != nil {
			failure = fmt.Errorf("upload %s seq %d: %w", pt, rec.Seq, err)
			break
		}
		uploaded++

		// Watermark authority: only forward records advance it.
		if rec.Seq > acked {
			acked = rec.Seq
		}
	}

	// Cancellation discards in-flight progress rather than committing a
	// partial step; the already-acknowledged records are re-sent next tick
	// and deduplicated by the sink. Sink failures, by contrast, commit the
	// contiguous acknowledged prefix.
	cancelled := errors.Is(failure, context.Canceled) || errors.Is(failure, context.DeadlineExceeded)
	if cancelled {
		acked = ps.LastProcessedSeq
	} else if acked > ps.LastProcessedSeq || (uploaded > 0 && failure == nil) {
		now := time.Now().UTC()
		ps.LastProcessedSeq = acked
		ps.LastSuccessTime = &now
		if err := o.store.UpsertProcessorState(ctx, ps); err != nil {
			o.recordError(pt, err)
			return CategoryResult{Type: pt, Uploaded: uploaded, Watermark: acked, Err: err}
		}
	}

	if failure != nil {
		o.recordError(pt, failure)
		return CategoryResult{Type: pt, Uploaded: uploaded, Watermark: acked, Err: failure}
	}

	o.recordSuccess(pt, acked)
	return CategoryResult{Type: pt, Uploaded: uploaded, Watermark: acked}
}

// finishPass advances the global watermark and retires a completed
// retroactive backfill. Both happen only when every category succeeded;
// a retry-pending category keeps the pass's global state untouched so the
// next tick re-covers it.
func (o *Orchestrator) finishPass(ctx context.Context, global *store.GlobalState, results []CategoryResult) {
	for _, r := range results {
		if r.Err != nil {
			return
		}
	}

	var maxSeq int64 = global.LastProcessedSeq
	for _, r := range results {
		if r.Watermark > maxSeq {
			maxSeq = r.Watermark
		}
	}

	if err := o.store.AdvanceGlobal(ctx, maxSeq, time.Now()); err != nil {
		o.logger.Printf("Warning: failed to advance global watermark: %v", err)
		return
	}

	// Retroactive backfills are one-shot: once every category has covered
	// the window, clear it.
	if global.HasRetroactiveRange() {
		if err := o.store.SetRetroactiveRange(ctx, nil, nil); err != nil {
			o.logger.Printf("Warning: failed to clear retroactive range: %v", err)
		} else {
			o.logger.Printf("Retroactive backfill complete: [%v, %v]",
				global.RetroStart.Format(time.RFC3339), global.RetroEnd.Format(time.RFC3339))
		}
	}
}

func (o *Orchestrator) setPhase(pt history.ProcessorType, phase Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status[pt.Name()].Phase = phase
}

func (o *Orchestrator) recordError(pt history.ProcessorType, err error) {
	now := time.Now().UTC()
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status[pt.Name()]
	st.Phase = PhaseRetryPending
	st.LastError = err.Error()
	st.LastErrorTime = &now

	o.logger.Printf("Category %s failed, will retry next tick: %v", pt, err)
}

func (o *Orchestrator) recordSuccess(pt history.ProcessorType, watermark int64) {
	now := time.Now().UTC()
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status[pt.Name()]
	st.Phase = PhaseAdvancing
	st.Watermark = watermark
	st.LastError = ""
	st.LastErrorTime = nil
	st.LastSuccessTime = &now
}

// inRetroWindow reports whether rec's event time falls inside the active
// retroactive backfill window.
func inRetroWindow(global *store.GlobalState, rec pump.Record) bool {
	if !global.HasRetroactiveRange() {
		return false
	}
	return !rec.Time.Before(*global.RetroStart) && !rec.Time.After(*global.RetroEnd)
}

// dedupeBySeq drops duplicate sequence IDs, keeping the first occurrence.
func dedupeBySeq(recs []pump.Record) []pump.Record {
	if len(recs) < 2 {
		return recs
	}
	seen := make(map[int64]bool, len(recs))
	out := recs[:0]
	for _, r := range recs {
		if seen[r.Seq] {
			continue
		}
		seen[r.Seq] = true
		out = append(out, r)
	}
	return out
}
