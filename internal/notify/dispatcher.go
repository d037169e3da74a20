package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/botcareu/botcareu-core/internal/infrastructure/config"
	"github.com/botcareu/botcareu-core/internal/infrastructure/metrics"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// Config holds dispatcher limits.
type Config struct {
	MaxRetries      int
	RetryDelay      time.Duration
	RetryBatch      int
	QueueCapacity   int
	DeliveryTimeout time.Duration
	IntentTTL       time.Duration
	DedupTTL        time.Duration
}

// DefaultConfig matches the configuration defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.NotificationsConfig{
		MaxRetries:      3,
		RetryDelayMS:    30000,
		RetryBatch:      10,
		QueueCapacity:   1000,
		DeliveryTimeout: 10 * time.Second,
		IntentTTL:       time.Hour,
		DedupTTL:        24 * time.Hour,
	})
}

// ConfigFrom converts the notifications config section.
func ConfigFrom(c config.NotificationsConfig) Config {
	return Config{
		MaxRetries:      c.MaxRetries,
		RetryDelay:      c.RetryDelay(),
		RetryBatch:      c.RetryBatch,
		QueueCapacity:   c.QueueCapacity,
		DeliveryTimeout: c.DeliveryTimeout,
		IntentTTL:       c.IntentTTL,
		DedupTTL:        c.DedupTTL,
	}
}

// Recorder persists intents and their attempt sets. Implementations audit
// failed and expired intents.
type Recorder interface {
	RecordNotification(ctx context.Context, in *Intent, status string) error
}

// RecipientDirectory resolves a user's delivery addresses.
type RecipientDirectory interface {
	Recipient(ctx context.Context, userID string) (Recipient, error)
}

// Logger defines the logging interface used by the dispatcher.
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

// Dispatcher delivers notification intents over their channels, retries
// failures and records every outcome.
//
// All public methods are thread-safe.
type Dispatcher struct {
	cfg      Config
	channels map[ChannelKind]Channel
	queue    *RetryQueue

	clock     telemetry.Clock
	dedup     Deduper
	recorder  Recorder
	directory RecipientDirectory
	logger    Logger
	metrics   *metrics.Metrics

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	// lifeMu orders wg.Add against Close.
	lifeMu sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// DispatchOptions are the per-call settings of Dispatch.
type DispatchOptions struct {
	// OnAccepted runs once the intent has passed dedup and expiry checks,
	// before any channel is tried.
	OnAccepted func()
}

// DispatchOption configures a single Dispatch call.
type DispatchOption func(*DispatchOptions)

// OnAccepted sets DispatchOptions.OnAccepted. Duplicates and expired
// intents never call fn.
func OnAccepted(fn func()) DispatchOption {
	return func(o *DispatchOptions) { o.OnAccepted = fn }
}

// WithClock overrides the default clock.
func WithClock(c telemetry.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithDeduper replaces the in-memory deduper.
func WithDeduper(dd Deduper) Option {
	return func(d *Dispatcher) {
		if dd != nil {
			d.dedup = dd
		}
	}
}

// WithRecorder sets the persistence gateway for intents.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithDirectory sets the recipient directory.
func WithDirectory(dir RecipientDirectory) Option {
	return func(d *Dispatcher) { d.directory = dir }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(cfg Config, channels []Channel, opts ...Option) (*Dispatcher, error) {
	if cfg.RetryDelay <= 0 || cfg.DeliveryTimeout <= 0 || cfg.RetryBatch <= 0 || cfg.MaxRetries < 0 {
		return nil, errors.New("notify: invalid dispatcher config")
	}

	d := &Dispatcher{
		cfg:      cfg,
		channels: make(map[ChannelKind]Channel, len(channels)),
		queue:    NewRetryQueue(cfg.QueueCapacity),
		clock:    telemetry.SystemClock{},
		logger:   noopLogger{},
		inflight: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	for _, ch := range channels {
		if ch != nil {
			d.channels[ch.Kind()] = ch
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.dedup == nil {
		d.dedup = NewMemoryDeduper(cfg.DedupTTL, d.clock)
	}
	return d, nil
}

// Now returns the dispatcher clock's time, for building intents.
func (d *Dispatcher) Now() time.Time {
	return d.clock.Now()
}

// IntentTTL returns the configured intent lifetime.
func (d *Dispatcher) IntentTTL() time.Duration {
	return d.cfg.IntentTTL
}

// QueueLen returns the number of intents awaiting retry.
func (d *Dispatcher) QueueLen() int {
	return d.queue.Len()
}

// Dispatch delivers in on all its channels. A duplicate intent returns
// Outcome{Duplicate: true} without touching any channel.
func (d *Dispatcher) Dispatch(ctx context.Context, in *Intent, opts ...DispatchOption) (Outcome, error) {
	if err := in.Validate(); err != nil {
		return Outcome{}, err
	}
	if !d.begin() {
		return Outcome{}, ErrClosed
	}
	defer d.wg.Done()

	claimed, err := d.dedup.Claim(ctx, in.ID)
	if err != nil {
		d.logger.Warn("dedup unavailable, delivering anyway", "intent_id", in.ID, "error", err)
		claimed = true
	}
	if !claimed {
		d.metrics.IntentFinished(string(in.Type), metrics.ResultDuplicate)
		d.logger.Debug("duplicate intent suppressed", "intent_id", in.ID, "type", in.Type)
		return Outcome{IntentID: in.ID, Duplicate: true}, nil
	}
	for _, id := range in.Covers {
		if _, err := d.dedup.Claim(ctx, id); err != nil {
			d.logger.Warn("claiming covered intent failed", "intent_id", in.ID, "covered_id", id, "error", err)
		}
	}

	if in.Attempts == nil {
		in.Attempts = make(map[ChannelKind]*DeliveryAttempt)
	}
	if in.Expired(d.clock.Now()) {
		d.archive(ctx, in)
		return Outcome{IntentID: in.ID, Archived: true, Status: StatusExpired}, nil
	}

	if !d.acquire(in.ID) {
		return Outcome{IntentID: in.ID, Duplicate: true}, nil
	}
	var o DispatchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.OnAccepted != nil {
		o.OnAccepted()
	}
	d.deliver(ctx, in, in.Channels)
	return d.settle(ctx, in), nil
}

// ProcessRetries runs one retry tick: it pops a batch, archives expired
// intents and redelivers the unsent channels of the rest.
func (d *Dispatcher) ProcessRetries(ctx context.Context) {
	if !d.begin() {
		return
	}
	defer d.wg.Done()

	batch := d.queue.PopBatch(d.cfg.RetryBatch)
	var wg sync.WaitGroup
	for _, in := range batch {
		if !d.acquire(in.ID) {
			// Already being delivered; put it back for the next tick.
			if err := d.queue.Push(in); err != nil {
				d.fail(ctx, in, err)
			}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.retry(ctx, in)
		}()
	}
	wg.Wait()
	d.metrics.SetRetryDepth(d.queue.Len())
}

func (d *Dispatcher) retry(ctx context.Context, in *Intent) {
	if in.Expired(d.clock.Now()) {
		d.release(in.ID)
		d.archive(ctx, in)
		return
	}
	in.RetryCount++
	pending := in.pendingChannels()
	d.logger.Debug("retrying intent", "intent_id", in.ID, "retry", in.RetryCount, "channels", pending)
	d.deliver(ctx, in, pending)
	d.settle(ctx, in)
}

// Start runs ProcessRetries every RetryDelay until Stop or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(d.loopDone)
		ticker := time.NewTicker(d.cfg.RetryDelay)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.ProcessRetries(ctx)
			}
		}
	}()
}

// Stop halts the retry loop and waits for it to exit. Safe to call more
// than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	if d.started.Load() {
		<-d.loopDone
	}
}

// Close stops the retry loop and waits for in-flight deliveries.
// Intents still queued are left unsent.
func (d *Dispatcher) Close() error {
	d.lifeMu.Lock()
	d.closed = true
	d.lifeMu.Unlock()

	d.Stop()
	d.wg.Wait()
	if n := d.queue.Len(); n > 0 {
		d.logger.Warn("dispatcher closed with queued retries", "count", n)
	}
	return nil
}

func (d *Dispatcher) begin() bool {
	d.lifeMu.RLock()
	defer d.lifeMu.RUnlock()
	if d.closed {
		return false
	}
	d.wg.Add(1)
	return true
}

func (d *Dispatcher) acquire(id string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, busy := d.inflight[id]; busy {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.inflightMu.Lock()
	delete(d.inflight, id)
	d.inflightMu.Unlock()
}

type deliveryResult struct {
	kind ChannelKind
	err  error
}

// deliver attempts kinds concurrently and merges the results into
// in.Attempts once all have returned.
func (d *Dispatcher) deliver(ctx context.Context, in *Intent, kinds []ChannelKind) {
	rcpt, lookupErr := d.recipient(ctx, in.UserID)

	results := make([]deliveryResult, len(kinds))
	var wg sync.WaitGroup
	for i, kind := range kinds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = deliveryResult{kind: kind, err: d.deliverOne(ctx, in, kind, rcpt, lookupErr)}
		}()
	}
	wg.Wait()

	now := d.clock.Now()
	for _, r := range results {
		a := in.Attempts[r.kind]
		if a == nil {
			a = &DeliveryAttempt{Channel: r.kind}
			in.Attempts[r.kind] = a
		}
		a.Attempts++
		a.Timestamp = now
		if r.err == nil {
			a.Sent = true
			a.LastError = ""
			a.Permanent = false
			continue
		}
		a.LastError = r.err.Error()
		a.Permanent = !retryable(r.err)
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, in *Intent, kind ChannelKind, rcpt Recipient, lookupErr error) error {
	ch, ok := d.channels[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoChannel, kind)
	}
	if kind != ChannelRealtime && lookupErr != nil {
		return fmt.Errorf("%w: recipient lookup: %w", ErrChannelFailure, lookupErr)
	}

	cctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := ch.Deliver(cctx, in, rcpt)
	result := metrics.ResultSent
	if err != nil {
		result = metrics.ResultFailed
		d.logger.Warn("channel delivery failed",
			"intent_id", in.ID, "channel", kind, "retry", in.RetryCount, "error", err)
	}
	d.metrics.Delivery(string(kind), result, time.Since(start).Seconds())
	return err
}

func (d *Dispatcher) recipient(ctx context.Context, userID string) (Recipient, error) {
	if d.directory == nil {
		return Recipient{UserID: userID}, nil
	}
	r, err := d.directory.Recipient(ctx, userID)
	if err != nil {
		d.logger.Warn("recipient lookup failed", "user_id", userID, "error", err)
		return Recipient{UserID: userID}, err
	}
	r.UserID = userID
	return r, nil
}

// settle records the attempt set and decides the intent's fate: sent,
// queued for retry, or failed. The caller holds the in-flight slot.
func (d *Dispatcher) settle(ctx context.Context, in *Intent) Outcome {
	out := Outcome{IntentID: in.ID, Results: in.snapshotAttempts()}
	pending := in.pendingChannels()

	switch {
	case len(pending) == 0 && !in.failedPermanently():
		d.release(in.ID)
		out.Status = StatusSent
		d.record(ctx, in, StatusSent)
		d.metrics.IntentFinished(string(in.Type), metrics.ResultSent)

	case len(pending) == 0 || in.RetryCount >= d.cfg.MaxRetries:
		d.release(in.ID)
		out.Status = StatusFailed
		d.fail(ctx, in, nil)

	default:
		out.Status = StatusPending
		out.Pending = true
		d.record(ctx, in, StatusPending)
		d.release(in.ID)
		if err := d.queue.Push(in); err != nil {
			out.Status = StatusFailed
			out.Pending = false
			d.fail(ctx, in, err)
		}
		d.metrics.SetRetryDepth(d.queue.Len())
	}
	return out
}

// fail marks an intent permanently failed. It is audited and never
// retried or shown to the user.
func (d *Dispatcher) fail(ctx context.Context, in *Intent, cause error) {
	d.record(ctx, in, StatusFailed)
	d.metrics.IntentFinished(string(in.Type), metrics.ResultFailed)
	d.logger.Error("notification failed permanently",
		"intent_id", in.ID, "type", in.Type, "user_id", in.UserID, "retries", in.RetryCount, "cause", cause)
}

func (d *Dispatcher) archive(ctx context.Context, in *Intent) {
	d.record(ctx, in, StatusExpired)
	d.metrics.IntentFinished(string(in.Type), metrics.ResultExpired)
	d.logger.Info("notification expired", "intent_id", in.ID, "type", in.Type, "retries", in.RetryCount)
}

func (d *Dispatcher) record(ctx context.Context, in *Intent, status string) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordNotification(ctx, in, status); err != nil {
		d.logger.Error("recording notification failed", "intent_id", in.ID, "status", status, "error", err)
	}
}
