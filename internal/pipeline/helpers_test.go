package pipeline

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/botcareu/botcareu-core/internal/device"
	"github.com/botcareu/botcareu-core/internal/notify"
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

// fakeDispatcher records every intent and dedupes by ID and Covers the
// way the real dispatcher does.
type fakeDispatcher struct {
	mu      sync.Mutex
	intents []*notify.Intent
	claimed map[string]bool
}

func (d *fakeDispatcher) Dispatch(_ context.Context, in *notify.Intent, opts ...notify.DispatchOption) (notify.Outcome, error) {
	d.mu.Lock()
	d.intents = append(d.intents, in)
	if d.claimed == nil {
		d.claimed = make(map[string]bool)
	}
	if d.claimed[in.ID] {
		d.mu.Unlock()
		return notify.Outcome{IntentID: in.ID, Duplicate: true}, nil
	}
	d.claimed[in.ID] = true
	for _, id := range in.Covers {
		d.claimed[id] = true
	}
	d.mu.Unlock()

	var o notify.DispatchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.OnAccepted != nil {
		o.OnAccepted()
	}
	return notify.Outcome{IntentID: in.ID, Status: notify.StatusSent}, nil
}

func (d *fakeDispatcher) IntentTTL() time.Duration { return time.Hour }

func (d *fakeDispatcher) ofType(t notify.AlertType) []*notify.Intent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*notify.Intent
	for _, in := range d.intents {
		if in.Type == t {
			out = append(out, in)
		}
	}
	return out
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.intents)
}

type published struct {
	room    string
	event   string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePublisher) Publish(userID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{room: "user:" + userID, event: event, payload: payload})
	return nil
}

func (f *fakePublisher) PublishDevice(deviceID, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{room: "device:" + deviceID, event: event, payload: payload})
	return nil
}

func (f *fakePublisher) byEvent(event string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// fakeStore records readings and can block AppendReading until released.
type fakeStore struct {
	mu       sync.Mutex
	readings []telemetry.Sample
	saved    []device.DeviceState
	health   []telemetry.StatusEvent
	block    chan struct{}
}

func (s *fakeStore) AppendReading(ctx context.Context, sample telemetry.Sample) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, sample)
	return nil
}

func (s *fakeStore) RecordNotification(context.Context, *notify.Intent, string) error { return nil }

func (s *fakeStore) ListReadings(_ context.Context, deviceID string, limit int) ([]telemetry.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []telemetry.Sample
	for _, r := range s.readings {
		if r.DeviceID == deviceID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) RecordHealth(_ context.Context, ev telemetry.StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = append(s.health, ev)
	return nil
}

func (s *fakeStore) List(context.Context) ([]device.DeviceState, error) { return nil, nil }

func (s *fakeStore) SaveState(_ context.Context, d device.DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, d)
	return nil
}

func (s *fakeStore) storedReadings() []telemetry.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telemetry.Sample(nil), s.readings...)
}

// ─── Fixtures ───────────────────────────────────────────────────────

var t0 = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	p       *Pipeline
	tracker *device.Tracker
	clock   *fakeClock
	disp    *fakeDispatcher
	pub     *fakePublisher
	store   *fakeStore
}

func newHarness(t *testing.T, devices ...device.DeviceState) *harness {
	t.Helper()
	h := &harness{
		clock: &fakeClock{now: t0},
		disp:  &fakeDispatcher{},
		pub:   &fakePublisher{},
		store: &fakeStore{},
	}
	h.tracker = device.NewTracker(device.WithClock(h.clock))
	for _, d := range devices {
		if err := h.tracker.Register(d); err != nil {
			t.Fatalf("Register(%s) error = %v", d.ID, err)
		}
	}
	classifier, err := telemetry.NewClassifier(telemetry.DefaultThresholds(), telemetry.DefaultValidityBounds())
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}
	h.p, err = New(Deps{
		Classifier: classifier,
		Tracker:    h.tracker,
		Store:      h.store,
		Dispatcher: h.disp,
		Devices:    h.store,
		Readings:   h.store,
		Health:     h.store,
		Fanout:     h.pub,
		Clock:      h.clock,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

// drain waits for all background work started so far.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func testDevice(id, owner string) device.DeviceState {
	return device.DeviceState{
		ID:          id,
		OwnerUserID: owner,
		Name:        "Thermometer " + id,
		Active:      true,
		Status:      telemetry.StatusUnknown,
		Alert:       device.DefaultAlertConfig(),
	}
}

func ptr[T any](v T) *T { return &v }

func contactReading(deviceID string, temp float64, ts time.Time) telemetry.Reading {
	return telemetry.Reading{
		DeviceID:        deviceID,
		ContactTemp:     ptr(temp),
		MeasurementType: telemetry.MeasurementContact,
		Timestamp:       ts,
	}
}
