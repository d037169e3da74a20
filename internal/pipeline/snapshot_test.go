package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/botcareu/botcareu-core/internal/device"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

func TestSnapshot_OwnDevicesOnly(t *testing.T) {
	h := newHarness(t, testDevice("d1", "u1"), testDevice("d2", "u1"), testDevice("d3", "u2"))
	ctx := context.Background()

	h.p.HandleReading(ctx, contactReading("d1", 36.7, t0))
	h.drain(t)
	h.clock.Advance(6 * time.Minute)

	got, err := h.p.Snapshot(ctx, "u1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	views := got.([]DeviceView)
	if len(views) != 2 {
		t.Fatalf("Snapshot() returned %d devices, want 2", len(views))
	}
	if views[0].ID != "d1" || views[1].ID != "d2" {
		t.Errorf("device order = %s, %s", views[0].ID, views[1].ID)
	}
	if views[0].Status != telemetry.StatusOnline || views[0].EffectiveStatus != telemetry.StatusOffline {
		t.Errorf("d1 status = %s effective = %s, want online/offline", views[0].Status, views[0].EffectiveStatus)
	}

	empty, _ := h.p.Snapshot(ctx, "nobody")
	if len(empty.([]DeviceView)) != 0 {
		t.Error("Snapshot() for a user without devices is not empty")
	}
}

func TestDeviceSnapshot(t *testing.T) {
	h := newHarness(t, testDevice("d1", "u1"), testDevice("d2", "u2"))
	ctx := context.Background()

	for i := range 3 {
		h.p.HandleReading(ctx, contactReading("d1", 36.5+float64(i)/10, t0.Add(time.Duration(i)*time.Minute)))
	}
	h.drain(t)

	snap, err := h.p.DeviceSnapshot(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("DeviceSnapshot() error = %v", err)
	}
	if len(snap.Readings) != 3 {
		t.Fatalf("readings = %d, want 3", len(snap.Readings))
	}
	if !snap.Readings[0].Timestamp.After(snap.Readings[2].Timestamp) {
		t.Error("readings are not newest first")
	}
	if snap.Device.EffectiveStatus != telemetry.StatusOnline {
		t.Errorf("effective status = %s, want online", snap.Device.EffectiveStatus)
	}

	if _, err := h.p.DeviceSnapshot(ctx, "u1", "d2"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("foreign device error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := h.p.DeviceSnapshot(ctx, "u1", "ghost"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("unknown device error = %v, want ErrDeviceNotFound", err)
	}
}
