package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/botcareu/botcareu-core/internal/device"
	"github.com/botcareu/botcareu-core/internal/infrastructure/metrics"
	"github.com/botcareu/botcareu-core/internal/notify"
	"github.com/botcareu/botcareu-core/internal/realtime"
	"github.com/botcareu/botcareu-core/internal/store"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// DefaultPersistTimeout bounds one persistence call.
const DefaultPersistTimeout = 5 * time.Second

// Dispatcher is the notification dispatcher as seen by the pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, in *notify.Intent, opts ...notify.DispatchOption) (notify.Outcome, error)
	IntentTTL() time.Duration
}

// Publisher is the realtime fan-out.
type Publisher interface {
	Publish(userID, eventType string, payload any) error
	PublishDevice(deviceID, eventType string, payload any) error
}

// Logger is the logging interface used by the pipeline.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopPublisher struct{}

func (noopPublisher) Publish(string, string, any) error       { return nil }
func (noopPublisher) PublishDevice(string, string, any) error { return nil }

// Deps are the collaborators of a Pipeline. Classifier, Tracker, Store
// and Dispatcher are required.
type Deps struct {
	Classifier *telemetry.Classifier
	Tracker    *device.Tracker
	Store      store.Gateway
	Dispatcher Dispatcher

	// Devices receives device state write-backs. Optional.
	Devices device.Repository
	// Readings serves snapshot history. Optional.
	Readings store.ReadingLister
	// Health receives heartbeat battery and signal levels. Optional.
	Health store.HealthRecorder
	// Fanout defaults to a publisher that drops everything.
	Fanout Publisher

	PersistTimeout time.Duration
	Clock          telemetry.Clock
	Logger         Logger
	Metrics        *metrics.Metrics
}

// Pipeline implements router.Sink.
type Pipeline struct {
	classifier *telemetry.Classifier
	tracker    *device.Tracker
	store      store.Gateway
	dispatcher Dispatcher
	devices    device.Repository
	readings   store.ReadingLister
	health     store.HealthRecorder
	fanout     Publisher

	persistTimeout time.Duration
	clock          telemetry.Clock
	logger         Logger
	metrics        *metrics.Metrics

	lifeMu sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// timedOut holds devices the sweeper reported offline.
	timedOutMu sync.Mutex
	timedOut   map[string]struct{}
}

// New validates deps and builds a Pipeline. It registers itself as the
// tracker's battery signal handler.
func New(d Deps) (*Pipeline, error) {
	switch {
	case d.Classifier == nil:
		return nil, errors.New("pipeline: classifier is required")
	case d.Tracker == nil:
		return nil, errors.New("pipeline: tracker is required")
	case d.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case d.Dispatcher == nil:
		return nil, errors.New("pipeline: dispatcher is required")
	}

	p := &Pipeline{
		classifier:     d.Classifier,
		tracker:        d.Tracker,
		store:          d.Store,
		dispatcher:     d.Dispatcher,
		devices:        d.Devices,
		readings:       d.Readings,
		health:         d.Health,
		fanout:         d.Fanout,
		persistTimeout: d.PersistTimeout,
		clock:          d.Clock,
		logger:         d.Logger,
		metrics:        d.Metrics,
		timedOut:       make(map[string]struct{}),
	}
	if p.fanout == nil {
		p.fanout = noopPublisher{}
	}
	if p.persistTimeout <= 0 {
		p.persistTimeout = DefaultPersistTimeout
	}
	if p.clock == nil {
		p.clock = telemetry.SystemClock{}
	}
	if p.logger == nil {
		p.logger = noopLogger{}
	}

	p.tracker.SetSignalHandler(p.HandleSignal)
	return p, nil
}

// ─── router.Sink ────────────────────────────────────────────────────

// HandleReading classifies r, updates the tracker and, in the
// background, persists, publishes and alerts.
func (p *Pipeline) HandleReading(ctx context.Context, r telemetry.Reading) {
	before, err := p.tracker.Get(r.DeviceID)
	if err != nil {
		p.logger.Warn("reading for untracked device", "device_id", r.DeviceID, "error", err)
		return
	}

	sample := p.classifier.ClassifyWith(r, before.Alert.Thresholds)
	p.metrics.SampleClassified(string(sample.Tier), sample.Valid)
	if !sample.Valid {
		p.logger.Debug("invalid reading", "device_id", r.DeviceID, "error", sample.Err())
	}

	upd, err := p.tracker.RecordReading(r.DeviceID, sample, r.Metadata)
	current := true
	switch {
	case errors.Is(err, telemetry.ErrStateConflict):
		// Late readings are stored but do not replace the current one.
		current = false
		p.logger.Debug("late reading", "device_id", r.DeviceID, "error", err)
	case err != nil:
		p.logger.Warn("recording reading failed", "device_id", r.DeviceID, "error", err)
		return
	}

	state := before
	if current {
		state = upd.State
	}

	p.goAsync(ctx, "persist reading", func(ctx context.Context) {
		p.persist(ctx, "reading", r.DeviceID, func(ctx context.Context) error {
			return p.store.AppendReading(ctx, sample)
		})
		if current {
			p.saveState(ctx, state)
		}
	})

	if current {
		reconnected := p.clearTimedOut(r.DeviceID)
		p.goAsync(ctx, "publish reading", func(context.Context) {
			p.publish(state, realtime.EventTemperature, readingEvent(state, sample))
			if upd.StatusChanged || reconnected {
				p.publish(state, realtime.EventDeviceStatus, statusEvent(state, state.Status, ""))
			}
		})
	}

	if sample.Valid && state.Alert.ShouldAlert(sample.Tier) {
		p.goAsync(ctx, "fever alert", func(ctx context.Context) {
			in := notify.NewFeverIntent(state, sample, p.clock.Now(), p.dispatcher.IntentTTL())
			p.dispatch(ctx, in, notify.OnAccepted(func() {
				p.publish(state, realtime.EventFeverAlert, feverEvent(in, sample.Primary))
			}))
		})
	}
}

// HandleStatus applies a status report. Stale reports are ignored.
func (p *Pipeline) HandleStatus(ctx context.Context, ev telemetry.StatusEvent) {
	upd, err := p.tracker.UpsertStatus(ev)
	switch {
	case errors.Is(err, telemetry.ErrStateConflict):
		p.logger.Debug("stale status ignored", "device_id", ev.DeviceID, "error", err)
		return
	case err != nil:
		p.logger.Warn("applying status failed", "device_id", ev.DeviceID, "error", err)
		return
	}

	state := upd.State
	alreadyReported := p.clearTimedOut(ev.DeviceID)

	p.goAsync(ctx, "status", func(ctx context.Context) {
		p.saveState(ctx, state)
		if p.health != nil && !ev.Metadata.Empty() {
			p.persist(ctx, "health", ev.DeviceID, func(ctx context.Context) error {
				return p.health.RecordHealth(ctx, ev)
			})
		}
		p.publish(state, realtime.EventDeviceStatus, statusEvent(state, state.Status, ""))
	})

	goneDown := ev.Status == telemetry.StatusOffline || ev.Status == telemetry.StatusError
	if goneDown && upd.StatusChanged && !alreadyReported && state.Alert.Enabled {
		p.goAsync(ctx, "offline alert", func(ctx context.Context) {
			p.dispatch(ctx, notify.NewOfflineIntent(state, p.clock.Now(), p.dispatcher.IntentTTL()))
		})
	}
}

// HandleDeviceAlert forwards an alert raised by firmware.
func (p *Pipeline) HandleDeviceAlert(ctx context.Context, a telemetry.DeviceAlert) {
	state, err := p.tracker.Get(a.DeviceID)
	if err != nil {
		p.logger.Warn("alert for untracked device", "device_id", a.DeviceID, "error", err)
		return
	}
	if !state.Alert.Enabled {
		p.logger.Debug("device alert suppressed", "device_id", a.DeviceID, "alert_type", a.AlertType)
		return
	}

	p.goAsync(ctx, "device alert", func(ctx context.Context) {
		in := notify.NewDeviceAlertIntent(state, a, p.clock.Now(), p.dispatcher.IntentTTL())
		if a.AlertType != telemetry.AlertTypeFeverDetected {
			p.dispatch(ctx, in)
			return
		}
		var temp float64
		if a.Temperature != nil {
			temp = *a.Temperature
		}
		p.dispatch(ctx, in, notify.OnAccepted(func() {
			p.publish(state, realtime.EventFeverAlert, feverEvent(in, temp))
		}))
	})
}

// HandleConfig records the measurement interval a device reported.
func (p *Pipeline) HandleConfig(ctx context.Context, c telemetry.ConfigReport) {
	if c.MeasurementInterval == nil {
		return
	}
	if err := p.tracker.SetMeasurementInterval(c.DeviceID, *c.MeasurementInterval); err != nil {
		p.logger.Warn("recording measurement interval failed", "device_id", c.DeviceID, "error", err)
		return
	}
	state, err := p.tracker.Get(c.DeviceID)
	if err != nil {
		return
	}
	p.goAsync(ctx, "config", func(ctx context.Context) { p.saveState(ctx, state) })
}

// HandleSignal dispatches a battery intent. It is the tracker's signal
// handler.
func (p *Pipeline) HandleSignal(sig device.Signal) {
	if !sig.State.Alert.Enabled {
		return
	}
	p.goAsync(context.Background(), "battery alert", func(ctx context.Context) {
		p.dispatch(ctx, notify.NewBatteryIntent(sig.State, sig, p.clock.Now(), p.dispatcher.IntentTTL()))
	})
}

// ─── Lifecycle ──────────────────────────────────────────────────────

// Shutdown stops accepting background work and waits for in-flight
// handlers, or until ctx is done.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.lifeMu.Lock()
	p.closed = true
	p.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pipeline handlers: %w", ctx.Err())
	}
}

// goAsync runs fn on a tracked goroutine. The context passed to fn keeps
// the values of parent but not its cancellation, so in-flight work
// finishes during shutdown.
func (p *Pipeline) goAsync(parent context.Context, what string, fn func(ctx context.Context)) {
	p.lifeMu.Lock()
	if p.closed {
		p.lifeMu.Unlock()
		p.logger.Debug("dropping work after shutdown", "work", what)
		return
	}
	p.wg.Add(1)
	p.lifeMu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("pipeline handler panicked", "work", what, "panic", r)
			}
		}()
		fn(context.WithoutCancel(parent))
	}()
}

// ─── Helpers ────────────────────────────────────────────────────────

func (p *Pipeline) persist(ctx context.Context, what, deviceID string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, p.persistTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		p.logger.Error("persisting failed", "what", what, "device_id", deviceID, "error", err)
	}
}

func (p *Pipeline) saveState(ctx context.Context, state device.DeviceState) {
	if p.devices == nil {
		return
	}
	p.persist(ctx, "device state", state.ID, func(ctx context.Context) error {
		return p.devices.SaveState(ctx, state)
	})
}

func (p *Pipeline) publish(state device.DeviceState, event string, payload any) {
	if err := p.fanout.Publish(state.OwnerUserID, event, payload); err != nil {
		p.logger.Debug("realtime publish failed", "event", event, "user_id", state.OwnerUserID, "error", err)
	}
	if err := p.fanout.PublishDevice(state.ID, event, payload); err != nil {
		p.logger.Debug("realtime publish failed", "event", event, "device_id", state.ID, "error", err)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, in *notify.Intent, opts ...notify.DispatchOption) {
	out, err := p.dispatcher.Dispatch(ctx, in, opts...)
	if err != nil {
		p.logger.Warn("dispatch failed", "intent_id", in.ID, "type", in.Type, "error", err)
		return
	}
	p.logger.Debug("intent dispatched", "intent_id", out.IntentID, "status", out.Status, "duplicate", out.Duplicate)
}

// markTimedOut records that deviceID was reported offline by the sweeper.
// It returns false if it already was.
func (p *Pipeline) markTimedOut(deviceID string) bool {
	p.timedOutMu.Lock()
	defer p.timedOutMu.Unlock()
	if _, ok := p.timedOut[deviceID]; ok {
		return false
	}
	p.timedOut[deviceID] = struct{}{}
	return true
}

func (p *Pipeline) clearTimedOut(deviceID string) bool {
	p.timedOutMu.Lock()
	defer p.timedOutMu.Unlock()
	if _, ok := p.timedOut[deviceID]; !ok {
		return false
	}
	delete(p.timedOut, deviceID)
	return true
}
