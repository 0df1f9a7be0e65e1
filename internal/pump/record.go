// Package pump defines the boundary to the device protocol layer: the
// records it produces and the interfaces the sync engine fetches them
// through. The Bluetooth transport and protocol decoder behind these
// interfaces live outside this module.
package pump

import (
	"context"
	"time"

	"github.com/pumplink/pumpsync/internal/history"
)

// Record is one sequence-numbered history entry decoded from the device.
//
// Seq is the device-issued sequence ID: monotonically issued over the pump's
// lifetime across all categories (one shared event log), but observed here
// out of order and with gaps because the transport drops and reorders
// batches. Payload fields are category-specific and flattened; only the
// fields relevant to a record's category are set.
type Record struct {
	Seq      int64
	Time     time.Time
	Category history.ProcessorType

	// CGM readings and alerts
	GlucoseMgDl int

	// Bolus and basal events
	InsulinUnits float64
	Duration     time.Duration

	// Alarms, alerts, mode changes
	Code int
	Text string

	// Device status snapshots
	BatteryPercent int
	ReservoirUnits float64
	InsulinOnBoard float64
}

// Window bounds a fetch request. AfterSeq asks for records with sequence IDs
// strictly greater than the watermark; UptoSeq, when non-zero, caps the
// request at that ID inclusive. When Since/Until are non-zero the source
// additionally filters on event timestamps; that path serves retroactive
// backfills and the cold-start lookback window.
type Window struct {
	AfterSeq int64
	UptoSeq  int64
	Since    time.Time
	Until    time.Time
}

// TimeBounded reports whether the window carries a timestamp filter.
func (w Window) TimeBounded() bool {
	return !w.Since.IsZero() || !w.Until.IsZero()
}

// RecordSource produces device records for one category within a window.
//
// Implementations sit on top of the device protocol decoder. A transport
// failure is returned as an error; the engine treats any error as
// retry-next-tick for that category only. Returned records need not be
// ordered or complete — the engine sorts them and detects gaps itself.
type RecordSource interface {
	Fetch(ctx context.Context, pt history.ProcessorType, w Window) ([]Record, error)
}

// RangeSource is an optional capability of a RecordSource: re-request a
// specific run of sequence IDs regardless of category. The engine uses it
// to heal transport drops it detected inside a fetched batch. Records the
// device no longer holds for the range are simply omitted.
type RangeSource interface {
	FetchRange(ctx context.Context, r history.IDRange) ([]Record, error)
}
