package store

import (
	"context"
	"time"

	"github.com/botcareu/botcareu-core/internal/infrastructure/influxdb"
	"github.com/botcareu/botcareu-core/internal/notify"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// PointWriter queues time-series points. *influxdb.Client implements it.
type PointWriter interface {
	WriteReading(p influxdb.ReadingPoint)
	WriteDeviceHealth(deviceID string, battery *float64, signal *int, ts time.Time)
}

// Influx mirrors readings into the time-series database. Writes are
// queued by the client and flushed in batches, so they never fail here.
type Influx struct {
	w PointWriter
}

// NewInflux creates an Influx gateway.
func NewInflux(w PointWriter) *Influx {
	return &Influx{w: w}
}

// AppendReading implements Gateway.
func (i *Influx) AppendReading(_ context.Context, s telemetry.Sample) error {
	i.w.WriteReading(influxdb.ReadingPoint{
		DeviceID:        s.DeviceID,
		MeasurementType: string(s.Type),
		Tier:            string(s.Tier),
		Valid:           s.Valid,
		Primary:         s.Primary,
		Infrared:        s.InfraredTemp,
		Contact:         s.ContactTemp,
		Ambient:         s.AmbientTemp,
		Time:            s.Timestamp,
	})
	return nil
}

// RecordNotification is a no-op; notifications are relational data.
func (i *Influx) RecordNotification(context.Context, *notify.Intent, string) error {
	return nil
}

// RecordHealth writes the battery and signal strength carried by a
// heartbeat.
func (i *Influx) RecordHealth(_ context.Context, ev telemetry.StatusEvent) error {
	if ev.Metadata == nil {
		return nil
	}
	i.w.WriteDeviceHealth(ev.DeviceID, ev.Metadata.BatteryLevel, ev.Metadata.SignalStrength, ev.Timestamp)
	return nil
}
