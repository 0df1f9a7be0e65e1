package history

import "strings"

// ProcessorType identifies one independently-tracked category of pump
// history. Each category keeps its own durable watermark, so a stalled
// category (say, the aggregation service rejecting device-status payloads)
// never holds back CGM readings.
//
// The zero value is not a valid category; use FromName or the exported
// constants.
type ProcessorType struct {
	name  string
	label string
}

// Name returns the stable identity name used as the persistence key.
func (p ProcessorType) Name() string { return p.name }

// Label returns the human-readable display label.
func (p ProcessorType) Label() string { return p.label }

// String returns the identity name.
func (p ProcessorType) String() string { return p.name }

// IsZero reports whether p is the invalid zero value.
func (p ProcessorType) IsZero() bool { return p.name == "" }

// The ten history categories. Names are persistence keys and must never
// change once shipped; labels are free to evolve.
var (
	ProcessorCGM          = ProcessorType{"cgm", "CGM Reading"}
	ProcessorBolus        = ProcessorType{"bolus", "Bolus Delivery"}
	ProcessorBasal        = ProcessorType{"basal", "Basal Rate"}
	ProcessorBasalSuspend = ProcessorType{"basal-suspend", "Basal Suspension"}
	ProcessorBasalResume  = ProcessorType{"basal-resume", "Basal Resumption"}
	ProcessorAlarm        = ProcessorType{"alarm", "Pump Alarm"}
	ProcessorCGMAlert     = ProcessorType{"cgm-alert", "CGM Alert"}
	ProcessorUserMode     = ProcessorType{"user-mode", "Activity Mode Change"}
	ProcessorCartridge    = ProcessorType{"cartridge", "Cartridge Change"}
	ProcessorDeviceStatus = ProcessorType{"device-status", "Device Status"}
)

var allProcessors = []ProcessorType{
	ProcessorCGM,
	ProcessorBolus,
	ProcessorBasal,
	ProcessorBasalSuspend,
	ProcessorBasalResume,
	ProcessorAlarm,
	ProcessorCGMAlert,
	ProcessorUserMode,
	ProcessorCartridge,
	ProcessorDeviceStatus,
}

// AllProcessors returns the ten categories in stable registry order. Sync
// passes iterate this order so runs are deterministic.
func AllProcessors() []ProcessorType {
	out := make([]ProcessorType, len(allProcessors))
	copy(out, allProcessors)
	return out
}

// FromName resolves a category from its identity name, case-insensitively.
// Unknown names return ok=false rather than an error; persisted rows written
// by a newer build must not crash an older reader.
func FromName(name string) (ProcessorType, bool) {
	for _, p := range allProcessors {
		if strings.EqualFold(p.name, name) {
			return p, true
		}
	}
	return ProcessorType{}, false
}
