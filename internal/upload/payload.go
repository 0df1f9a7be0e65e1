// Package upload submits pump history to the remote aggregation service.
//
// The service accepts three payload shapes — continuous readings, discrete
// treatments, and device-status snapshots — and dedups each by a
// client-supplied identifier, so re-submitting a record after a retry is a
// no-op on the remote side. The engine derives that identifier from the
// record's sequence ID; see IdempotentID.
package upload

import (
	"fmt"
	"time"

	"github.com/pumplink/pumpsync/internal/history"
)

// Kind partitions payloads by submission path.
type Kind string

const (
	// KindEntry is a continuous glucose reading.
	KindEntry Kind = "entry"

	// KindTreatment is a discrete treatment or event (bolus, basal change,
	// alarm, mode change, cartridge change).
	KindTreatment Kind = "treatment"

	// KindDeviceStatus is a point-in-time device snapshot.
	KindDeviceStatus Kind = "devicestatus"
)

// Entry is a continuous-reading payload.
type Entry struct {
	ID          string    `json:"_id"`
	Device      string    `json:"device"`
	Date        int64     `json:"date"`       // unix millis
	DateString  string    `json:"dateString"` // RFC 3339
	GlucoseMgDl int       `json:"sgv"`
	Type        string    `json:"type"`
	EventTime   time.Time `json:"-"`
}

// Treatment is a discrete treatment/event payload.
type Treatment struct {
	ID           string  `json:"_id"`
	EventType    string  `json:"eventType"`
	CreatedAt    string  `json:"created_at"` // RFC 3339
	EnteredBy    string  `json:"enteredBy"`
	InsulinUnits float64 `json:"insulin,omitempty"`
	DurationMin  float64 `json:"duration,omitempty"`
	Notes        string  `json:"notes,omitempty"`
}

// DeviceStatus is a device snapshot payload.
type DeviceStatus struct {
	ID             string  `json:"_id"`
	Device         string  `json:"device"`
	CreatedAt      string  `json:"created_at"`
	BatteryPercent int     `json:"uploaderBattery"`
	ReservoirUnits float64 `json:"reservoir"`
	InsulinOnBoard float64 `json:"iob,omitempty"`
}

// Payload is one submittable item. Exactly one of Entry, Treatment, or
// DeviceStatus is set, matching Kind.
type Payload struct {
	Kind         Kind
	Seq          int64
	Entry        *Entry
	Treatment    *Treatment
	DeviceStatus *DeviceStatus
}

// IdempotentID derives the stable dedup identifier for a record. The same
// category and sequence ID always produce the same string, across process
// restarts and across devices, which is what makes retried submissions safe.
func IdempotentID(pt history.ProcessorType, seq int64) string {
	return fmt.Sprintf("pumpsync-%s-%d", pt.Name(), seq)
}
