package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// Default tracker settings.
const (
	DefaultOnlineTimeout   = 5 * time.Minute
	DefaultBatteryLow      = 20.0
	DefaultBatteryCritical = 10.0
)

// Logger defines the logging interface used by the Tracker.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// SignalHandler receives battery signals. It is called synchronously
// after the device lock is released and must not block for long.
type SignalHandler func(Signal)

type entry struct {
	mu    sync.Mutex
	state DeviceState
}

// Tracker holds the live state of all registered devices.
//
// All public methods are thread-safe.
type Tracker struct {
	mu      sync.RWMutex // Protects devices membership only
	devices map[string]*entry

	clock           telemetry.Clock
	timeout         time.Duration
	batteryLow      float64
	batteryCritical float64
	onSignal        SignalHandler
	logger          Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock used for liveness checks.
func WithClock(c telemetry.Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithOnlineTimeout sets how long a device stays online after its last message.
func WithOnlineTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithBatteryThresholds sets the low and critical battery percentages.
func WithBatteryThresholds(low, critical float64) Option {
	return func(t *Tracker) {
		if critical > 0 && low > critical {
			t.batteryLow = low
			t.batteryCritical = critical
		}
	}
}

// WithSignalHandler sets the battery signal receiver.
func WithSignalHandler(h SignalHandler) Option {
	return func(t *Tracker) { t.onSignal = h }
}

// WithLogger sets the tracker logger.
func WithLogger(l Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		devices:         make(map[string]*entry),
		clock:           telemetry.SystemClock{},
		timeout:         DefaultOnlineTimeout,
		batteryLow:      DefaultBatteryLow,
		batteryCritical: DefaultBatteryCritical,
		logger:          noopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetSignalHandler replaces the battery signal receiver. It exists for
// wiring cycles where the handler is built after the tracker.
func (t *Tracker) SetSignalHandler(h SignalHandler) {
	t.mu.Lock()
	t.onSignal = h
	t.mu.Unlock()
}

// OnlineTimeout returns the configured liveness window.
func (t *Tracker) OnlineTimeout() time.Duration {
	return t.timeout
}

// Load registers every device returned by the repository.
// This should be called on application startup.
func (t *Tracker) Load(ctx context.Context, repo Repository) error {
	states, err := repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	for i := range states {
		if err := t.Register(states[i]); err != nil {
			t.logger.Warn("skipping invalid device", "device_id", states[i].ID, "error", err)
		}
	}
	t.logger.Info("device states loaded", "count", len(states))
	return nil
}

// Register adds a device or replaces its stored state.
func (t *Tracker) Register(state DeviceState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	if state.Status == "" {
		state.Status = telemetry.StatusUnknown
	}
	if state.Alert.MinTier == "" {
		state.Alert.MinTier = telemetry.TierMild
	}
	cp := state.DeepCopy()

	t.mu.Lock()
	e, ok := t.devices[state.ID]
	if !ok {
		t.devices[state.ID] = &entry{state: *cp}
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	e.mu.Lock()
	e.state = *cp
	e.mu.Unlock()
	return nil
}

// Deactivate marks a device inactive. Devices are never removed; an
// inactive device is ignored by the router.
func (t *Tracker) Deactivate(id string) error {
	e, err := t.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state.Active = false
	e.state.UpdatedAt = t.clock.Now().UTC()
	e.mu.Unlock()
	return nil
}

// Exists reports whether id is a registered, active device.
func (t *Tracker) Exists(id string) bool {
	e, err := t.entry(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Active
}

// Get returns a copy of the device state.
func (t *Tracker) Get(id string) (DeviceState, error) {
	e, err := t.entry(id)
	if err != nil {
		return DeviceState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.state.DeepCopy(), nil
}

// CanView reports whether userID owns device id.
func (t *Tracker) CanView(userID, id string) bool {
	s, err := t.Get(id)
	return err == nil && s.OwnerUserID == userID
}

// UpsertStatus applies a status event. An event older than the stored
// status returns telemetry.ErrStateConflict.
func (t *Tracker) UpsertStatus(ev telemetry.StatusEvent) (Update, error) {
	e, err := t.entry(ev.DeviceID)
	if err != nil {
		return Update{}, err
	}

	e.mu.Lock()
	s := &e.state
	if !s.StatusAt.IsZero() && ev.Timestamp.Before(s.StatusAt) {
		e.mu.Unlock()
		return Update{}, fmt.Errorf("%w: status for %s at %s precedes %s",
			telemetry.ErrStateConflict, ev.DeviceID, ev.Timestamp.Format(time.RFC3339), s.StatusAt.Format(time.RFC3339))
	}

	upd := Update{PreviousStatus: s.Status}
	s.Status = ev.Status
	s.StatusAt = ev.Timestamp
	if ev.Timestamp.After(s.LastSeen) {
		s.LastSeen = ev.Timestamp
	}
	if ev.Uptime != nil {
		s.Uptime = clonePtr(ev.Uptime)
	}
	if ev.FreeMemory != nil {
		s.FreeMemory = clonePtr(ev.FreeMemory)
	}
	signals := t.applyMetadata(s, ev.Metadata, ev.Timestamp)
	s.UpdatedAt = t.clock.Now().UTC()

	upd.StatusChanged = upd.PreviousStatus != s.Status
	upd.State = *s.DeepCopy()
	e.mu.Unlock()

	t.emit(signals, upd.State)
	return upd, nil
}

// RecordReading stores sample as the device's latest reading. A sample
// older than the current one returns telemetry.ErrStateConflict.
//
// A fresh reading brings an unknown or offline device online; it never
// clears error or maintenance.
func (t *Tracker) RecordReading(id string, sample telemetry.Sample, meta *telemetry.Metadata) (Update, error) {
	e, err := t.entry(id)
	if err != nil {
		return Update{}, err
	}

	e.mu.Lock()
	s := &e.state
	if s.LastReading != nil && sample.Timestamp.Before(s.LastReading.Timestamp) {
		e.mu.Unlock()
		return Update{}, fmt.Errorf("%w: reading for %s at %s precedes %s",
			telemetry.ErrStateConflict, id, sample.Timestamp.Format(time.RFC3339), s.LastReading.Timestamp.Format(time.RFC3339))
	}

	upd := Update{PreviousStatus: s.Status}
	s.LastReading = cloneSample(&sample)
	if sample.Timestamp.After(s.LastSeen) {
		s.LastSeen = sample.Timestamp
	}
	if s.Status == telemetry.StatusUnknown || s.Status == telemetry.StatusOffline {
		s.Status = telemetry.StatusOnline
		if sample.Timestamp.After(s.StatusAt) {
			s.StatusAt = sample.Timestamp
		}
	}
	signals := t.applyMetadata(s, meta, sample.Timestamp)
	s.UpdatedAt = t.clock.Now().UTC()

	upd.StatusChanged = upd.PreviousStatus != s.Status
	upd.State = *s.DeepCopy()
	e.mu.Unlock()

	t.emit(signals, upd.State)
	return upd, nil
}

// SetMeasurementInterval records the interval a device reported, in ms.
func (t *Tracker) SetMeasurementInterval(id string, ms int64) error {
	e, err := t.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state.MeasurementInterval = &ms
	e.state.UpdatedAt = t.clock.Now().UTC()
	e.mu.Unlock()
	return nil
}

// IsOnline reports whether the device is currently online.
func (t *Tracker) IsOnline(id string) bool {
	s, err := t.Get(id)
	if err != nil {
		return false
	}
	return t.EffectiveStatus(s, t.clock.Now()) == telemetry.StatusOnline
}

// EffectiveStatus derives the status at now. error and maintenance are
// sticky; an online device silent for longer than the timeout is offline.
func (t *Tracker) EffectiveStatus(s DeviceState, now time.Time) telemetry.DeviceStatus {
	switch s.Status {
	case telemetry.StatusOnline:
		if s.LastSeen.IsZero() || now.Sub(s.LastSeen) > t.timeout {
			return telemetry.StatusOffline
		}
		return telemetry.StatusOnline
	case "":
		return telemetry.StatusUnknown
	default:
		return s.Status
	}
}

// ListByOwner returns copies of the devices owned by userID, sorted by ID.
func (t *Tracker) ListByOwner(userID string) []DeviceState {
	return t.filter(func(s *DeviceState) bool { return s.OwnerUserID == userID })
}

// All returns copies of every tracked device, sorted by ID.
func (t *Tracker) All() []DeviceState {
	return t.filter(func(*DeviceState) bool { return true })
}

// Count returns the number of tracked devices.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.devices)
}

func (t *Tracker) filter(keep func(*DeviceState) bool) []DeviceState {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.devices))
	for _, e := range t.devices {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]DeviceState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if keep(&e.state) {
			out = append(out, *e.state.DeepCopy())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tracker) entry(id string) (*entry, error) {
	t.mu.RLock()
	e, ok := t.devices[id]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return e, nil
}

// applyMetadata merges health fields into s and returns any battery
// signals the change triggers. Metadata older than s.HealthAt is ignored.
// The caller holds the entry lock.
func (t *Tracker) applyMetadata(s *DeviceState, meta *telemetry.Metadata, ts time.Time) []Signal {
	if meta == nil || meta.Empty() || ts.Before(s.HealthAt) {
		return nil
	}
	s.HealthAt = ts
	if meta.SignalStrength != nil {
		s.SignalStrength = clonePtr(meta.SignalStrength)
	}
	if meta.FirmwareVersion != "" {
		s.FirmwareVersion = meta.FirmwareVersion
	}
	if meta.BatteryLevel == nil {
		return nil
	}

	prev := s.BatteryLevel
	level := *meta.BatteryLevel
	s.BatteryLevel = &level

	if kind, ok := t.batteryCrossing(prev, level); ok {
		return []Signal{{
			Kind:         kind,
			DeviceID:     s.ID,
			OwnerUserID:  s.OwnerUserID,
			BatteryLevel: level,
			Timestamp:    ts,
		}}
	}
	return nil
}

// batteryCrossing reports the most severe threshold crossed going from
// prev to level. A single drop past both thresholds yields critical only.
func (t *Tracker) batteryCrossing(prev *float64, level float64) (SignalKind, bool) {
	crossed := func(threshold float64) bool {
		return level < threshold && (prev == nil || *prev >= threshold)
	}
	switch {
	case crossed(t.batteryCritical):
		return SignalCriticalBattery, true
	case crossed(t.batteryLow):
		return SignalLowBattery, true
	}
	return "", false
}

func (t *Tracker) emit(signals []Signal, state DeviceState) {
	if len(signals) == 0 {
		return
	}
	t.mu.RLock()
	h := t.onSignal
	t.mu.RUnlock()
	if h == nil {
		return
	}
	for _, sig := range signals {
		sig.State = state
		h(sig)
	}
}
