package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by BotCareU.
const (
	MeasurementTemperature  = "temperature"
	MeasurementDeviceHealth = "device_health"
)

// ReadingPoint is one classified temperature sample in time-series form.
// Optional raw sources are nil when the device did not report them.
type ReadingPoint struct {
	DeviceID        string
	MeasurementType string
	Tier            string
	Valid           bool
	Primary         float64
	Infrared        *float64
	Contact         *float64
	Ambient         *float64
	Time            time.Time
}

// WriteReading queues a temperature point tagged by device, measurement
// type and tier. The write is non-blocking.
func (c *Client) WriteReading(p ReadingPoint) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(readingToPoint(p))
}

func readingToPoint(p ReadingPoint) *write.Point {
	fields := map[string]interface{}{
		"primary": p.Primary,
		"valid":   p.Valid,
	}
	if p.Infrared != nil {
		fields["infrared"] = *p.Infrared
	}
	if p.Contact != nil {
		fields["contact"] = *p.Contact
	}
	if p.Ambient != nil {
		fields["ambient"] = *p.Ambient
	}

	return write.NewPoint(
		MeasurementTemperature,
		map[string]string{
			"device_id":        p.DeviceID,
			"measurement_type": p.MeasurementType,
			"tier":             p.Tier,
		},
		fields,
		p.Time,
	)
}

// WriteDeviceHealth records battery and signal strength from a heartbeat.
// Nothing is written when both are unknown.
func (c *Client) WriteDeviceHealth(deviceID string, battery *float64, signal *int, ts time.Time) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{}
	if battery != nil {
		fields["battery_level"] = *battery
	}
	if signal != nil {
		fields["signal_strength"] = *signal
	}
	if len(fields) == 0 {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementDeviceHealth,
		map[string]string{"device_id": deviceID},
		fields,
		ts,
	))
}
