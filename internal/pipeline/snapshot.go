package pipeline

import (
	"context"
	"fmt"

	"github.com/botcareu/botcareu-core/internal/device"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// snapshotReadings is how much history a device snapshot carries.
const snapshotReadings = 20

// DeviceView is a device as shown to its owner, with the status derived
// at the time of the request.
type DeviceView struct {
	device.DeviceState
	EffectiveStatus telemetry.DeviceStatus `json:"effective_status"`
}

// DeviceSnapshot is a device view plus its recent readings.
type DeviceSnapshot struct {
	Device   DeviceView         `json:"device"`
	Readings []telemetry.Sample `json:"readings"`
}

func (p *Pipeline) view(s device.DeviceState) DeviceView {
	return DeviceView{DeviceState: s, EffectiveStatus: p.tracker.EffectiveStatus(s, p.clock.Now())}
}

// Snapshot returns every device owned by userID. It implements
// realtime.SnapshotProvider.
func (p *Pipeline) Snapshot(_ context.Context, userID string) (any, error) {
	states := p.tracker.ListByOwner(userID)
	out := make([]DeviceView, 0, len(states))
	for _, s := range states {
		out = append(out, p.view(s))
	}
	return out, nil
}

// DeviceSnapshot returns one device with recent history. Devices not
// owned by userID are reported as not found.
func (p *Pipeline) DeviceSnapshot(ctx context.Context, userID, deviceID string) (DeviceSnapshot, error) {
	if !p.tracker.CanView(userID, deviceID) {
		return DeviceSnapshot{}, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, deviceID)
	}
	s, err := p.tracker.Get(deviceID)
	if err != nil {
		return DeviceSnapshot{}, err
	}
	snap := DeviceSnapshot{Device: p.view(s), Readings: []telemetry.Sample{}}
	if p.readings != nil {
		readings, err := p.readings.ListReadings(ctx, deviceID, snapshotReadings)
		if err != nil {
			return DeviceSnapshot{}, fmt.Errorf("loading readings: %w", err)
		}
		snap.Readings = readings
	}
	return snap, nil
}
