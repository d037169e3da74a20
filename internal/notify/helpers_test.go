package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/botcareu/botcareu-core/internal/device"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// ─── Fakes ──────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingChannel records deliveries and fails according to a script.
type recordingChannel struct {
	kind ChannelKind

	mu        sync.Mutex
	delivered []string
	calls     int
	failFirst int   // fail this many calls with a retryable error
	failWith  error // if set, every call fails with this error
}

func (c *recordingChannel) Kind() ChannelKind { return c.kind }

func (c *recordingChannel) Deliver(_ context.Context, in *Intent, _ Recipient) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failWith != nil {
		return c.failWith
	}
	if c.calls <= c.failFirst {
		return errors.Join(ErrChannelFailure, errors.New("transient"))
	}
	c.delivered = append(c.delivered, in.ID)
	return nil
}

func (c *recordingChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordedStatus struct {
	id       string
	status   string
	attempts map[ChannelKind]DeliveryAttempt
}

type mockRecorder struct {
	mu      sync.Mutex
	records []recordedStatus
}

func (r *mockRecorder) RecordNotification(_ context.Context, in *Intent, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recordedStatus{id: in.ID, status: status, attempts: in.snapshotAttempts()})
	return nil
}

func (r *mockRecorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.status)
	}
	return out
}

type staticDirectory map[string]Recipient

func (d staticDirectory) Recipient(_ context.Context, userID string) (Recipient, error) {
	r, ok := d[userID]
	if !ok {
		return Recipient{}, errors.New("no such user")
	}
	return r, nil
}

type failingDeduper struct{}

func (failingDeduper) Claim(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

// ─── Fixtures ───────────────────────────────────────────────────────

var t0 = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func testState() device.DeviceState {
	return device.DeviceState{
		ID:          "dev-7",
		OwnerUserID: "user-1",
		Name:        "Nursery thermometer",
		Active:      true,
		Alert:       device.DefaultAlertConfig(),
	}
}

func feverSample(temp float64, tier telemetry.FeverTier) telemetry.Sample {
	v := temp
	return telemetry.Sample{
		ID:          telemetry.SampleID("dev-7", t0),
		DeviceID:    "dev-7",
		ContactTemp: &v,
		Primary:     temp,
		Type:        telemetry.MeasurementContact,
		Valid:       true,
		Tier:        tier,
		RawTier:     tier,
		Timestamp:   t0,
	}
}

func testConfig() Config {
	return Config{
		MaxRetries:      3,
		RetryDelay:      time.Second,
		RetryBatch:      10,
		QueueCapacity:   100,
		DeliveryTimeout: time.Second,
		IntentTTL:       time.Hour,
		DedupTTL:        24 * time.Hour,
	}
}
