package engine

import (
	"fmt"
	"time"

	"github.com/pumplink/pumpsync/internal/history"
	"github.com/pumplink/pumpsync/internal/pump"
	"github.com/pumplink/pumpsync/internal/upload"
)

// treatmentEventTypes maps the treatment-shaped categories to the event
// type strings the aggregation service expects.
var treatmentEventTypes = map[string]string{
	history.ProcessorBolus.Name():        "Bolus",
	history.ProcessorBasal.Name():        "Temp Basal",
	history.ProcessorBasalSuspend.Name(): "Basal Suspend",
	history.ProcessorBasalResume.Name():  "Basal Resume",
	history.ProcessorAlarm.Name():        "Pump Alarm",
	history.ProcessorCGMAlert.Name():     "CGM Alert",
	history.ProcessorUserMode.Name():     "Activity Mode",
	history.ProcessorCartridge.Name():    "Site Change",
}

// buildPayload transforms one device record into the upload payload shape
// for its category. CGM readings become entries, device-status snapshots
// become devicestatus documents, and everything else becomes a treatment.
func buildPayload(pt history.ProcessorType, rec pump.Record, device string) (upload.Payload, error) {
	id := upload.IdempotentID(pt, rec.Seq)
	created := rec.Time.UTC().Format(time.RFC3339)

	switch pt {
	case history.ProcessorCGM:
		return upload.Payload{
			Kind: upload.KindEntry,
			Seq:  rec.Seq,
			Entry: &upload.Entry{
				ID:          id,
				Device:      device,
				Date:        rec.Time.UnixMilli(),
				DateString:  created,
				GlucoseMgDl: rec.GlucoseMgDl,
				Type:        "sgv",
				EventTime:   rec.Time,
			},
		}, nil

	case history.ProcessorDeviceStatus:
		return upload.Payload{
			Kind: upload.KindDeviceStatus,
			Seq:  rec.Seq,
			DeviceStatus: &upload.DeviceStatus{
				ID:             id,
				Device:         device,
				CreatedAt:      created,
				BatteryPercent: rec.BatteryPercent,
				ReservoirUnits: rec.ReservoirUnits,
				InsulinOnBoard: rec.InsulinOnBoard,
			},
		}, nil
	}

	eventType, ok := treatmentEventTypes[pt.Name()]
	if !ok {
		return upload.Payload{}, fmt.Errorf("no payload shape for category %s", pt)
	}

	return upload.Payload{
		Kind: upload.KindTreatment,
		Seq:  rec.Seq,
		Treatment: &upload.Treatment{
			ID:           id,
			EventType:    eventType,
			CreatedAt:    created,
			EnteredBy:    device,
			InsulinUnits: rec.InsulinUnits,
			DurationMin:  rec.Duration.Minutes(),
			Notes:        rec.Text,
		},
	}, nil
}
