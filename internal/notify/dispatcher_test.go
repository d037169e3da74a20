package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/botcareu/botcareu-core/internal/telemetry"
)

type harness struct {
	d        *Dispatcher
	clock    *fakeClock
	rec      *mockRecorder
	realtime *recordingChannel
	push     *recordingChannel
	email    *recordingChannel
	sms      *recordingChannel
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:    &fakeClock{now: t0},
		rec:      &mockRecorder{},
		realtime: &recordingChannel{kind: ChannelRealtime},
		push:     &recordingChannel{kind: ChannelPush},
		email:    &recordingChannel{kind: ChannelEmail},
		sms:      &recordingChannel{kind: ChannelSMS},
	}
	opts = append([]Option{
		WithClock(h.clock),
		WithRecorder(h.rec),
		WithDirectory(staticDirectory{"user-1": {Email: "a@example.com", Phone: "+15550100", PushTokens: []string{"tok"}}}),
	}, opts...)
	d, err := NewDispatcher(cfg, []Channel{h.realtime, h.push, h.email, h.sms}, opts...)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	t.Cleanup(func() { d.Close() }) //nolint:errcheck // test cleanup
	h.d = d
	return h
}

// ─── Dispatch ───────────────────────────────────────────────────────

func TestDispatch_HighFeverUsesPolicyChannels(t *testing.T) {
	h := newHarness(t, testConfig())
	in := NewFeverIntent(testState(), feverSample(39.2, telemetry.TierHigh), t0, time.Hour)

	out, err := h.d.Dispatch(context.Background(), in)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if out.Status != StatusSent || out.Pending || out.Duplicate {
		t.Errorf("unexpected outcome %+v", out)
	}
	if in.Priority != telemetry.PriorityHigh {
		t.Errorf("Priority = %s, want high", in.Priority)
	}
	for _, ch := range []*recordingChannel{h.realtime, h.push, h.email} {
		if ch.callCount() != 1 {
			t.Errorf("%s calls = %d, want 1", ch.kind, ch.callCount())
		}
	}
	if h.sms.callCount() != 0 {
		t.Errorf("sms used for a high (not critical) fever")
	}
	if got := h.rec.statuses(); len(got) != 1 || got[0] != StatusSent {
		t.Errorf("recorded statuses = %v, want [sent]", got)
	}
}

func TestDispatch_DuplicateIntentDeliveredOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	state := testState()

	first := NewFeverIntent(state, feverSample(40.3, telemetry.TierCritical), t0, time.Hour)
	second := NewFeverIntent(state, feverSample(40.3, telemetry.TierCritical), t0.Add(time.Second), time.Hour)
	if first.ID != second.ID {
		t.Fatal("intents for the same reading should share an id")
	}

	if _, err := h.d.Dispatch(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	out, err := h.d.Dispatch(context.Background(), second)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Duplicate {
		t.Error("second dispatch not reported as duplicate")
	}
	for _, ch := range []*recordingChannel{h.realtime, h.push, h.email, h.sms} {
		if ch.callCount() != 1 {
			t.Errorf("%s calls = %d, want 1", ch.kind, ch.callCount())
		}
	}
	if n := len(h.rec.statuses()); n != 1 {
		t.Errorf("recorded %d attempt sets, want 1", n)
	}
}

func TestDispatch_DeviceAlertDedupesWithReading(t *testing.T) {
	h := newHarness(t, testConfig())
	state := testState()
	temp := 39.4

	reading := NewFeverIntent(state, feverSample(temp, telemetry.TierHigh), t0, time.Hour)
	alert := NewDeviceAlertIntent(state, telemetry.DeviceAlert{
		DeviceID:    "dev-7",
		AlertType:   telemetry.AlertTypeFeverDetected,
		Temperature: &temp,
		Severity:    telemetry.TierHigh,
		Timestamp:   t0.Add(300 * time.Millisecond),
	}, t0, time.Hour)

	_, _ = h.d.Dispatch(context.Background(), reading)
	out, _ := h.d.Dispatch(context.Background(), alert)
	if !out.Duplicate {
		t.Error("device fever alert for the same second should dedupe against the reading")
	}
}

func TestDispatch_FirmwareAlertDoesNotSwallowMoreSevereReading(t *testing.T) {
	h := newHarness(t, testConfig())
	state := testState()
	temp := 40.5

	alert := NewDeviceAlertIntent(state, telemetry.DeviceAlert{
		DeviceID:    "dev-7",
		AlertType:   telemetry.AlertTypeFeverDetected,
		Temperature: &temp,
		Severity:    telemetry.TierHigh,
		Timestamp:   t0,
	}, t0, time.Hour)
	reading := NewFeverIntent(state, feverSample(temp, telemetry.TierCritical), t0, time.Hour)

	if _, err := h.d.Dispatch(context.Background(), alert); err != nil {
		t.Fatal(err)
	}
	out, err := h.d.Dispatch(context.Background(), reading)
	if err != nil {
		t.Fatal(err)
	}
	if out.Duplicate {
		t.Fatal("critical reading suppressed by the firmware's high alert")
	}
	if h.sms.callCount() != 1 {
		t.Errorf("sms calls = %d, want 1 for the critical fever", h.sms.callCount())
	}
}

func TestDispatch_LessSevereAlertAfterReadingIsDuplicate(t *testing.T) {
	h := newHarness(t, testConfig())
	state := testState()
	temp := 40.5

	reading := NewFeverIntent(state, feverSample(temp, telemetry.TierCritical), t0, time.Hour)
	alert := NewDeviceAlertIntent(state, telemetry.DeviceAlert{
		DeviceID:    "dev-7",
		AlertType:   telemetry.AlertTypeFeverDetected,
		Temperature: &temp,
		Severity:    telemetry.TierHigh,
		Timestamp:   t0,
	}, t0, time.Hour)

	if _, err := h.d.Dispatch(context.Background(), reading); err != nil {
		t.Fatal(err)
	}
	out, err := h.d.Dispatch(context.Background(), alert)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Duplicate {
		t.Error("high alert after the critical reading should be a duplicate")
	}
	if h.push.callCount() != 1 {
		t.Errorf("push calls = %d, want 1", h.push.callCount())
	}
}

func TestDispatch_OnAcceptedSkippedForDuplicate(t *testing.T) {
	h := newHarness(t, testConfig())
	in := NewFeverIntent(testState(), feverSample(39.4, telemetry.TierHigh), t0, time.Hour)

	calls := 0
	onAccepted := OnAccepted(func() { calls++ })
	if _, err := h.d.Dispatch(context.Background(), in, onAccepted); err != nil {
		t.Fatal(err)
	}
	out, err := h.d.Dispatch(context.Background(), in, onAccepted)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Duplicate {
		t.Fatal("second dispatch should be a duplicate")
	}
	if calls != 1 {
		t.Errorf("OnAccepted calls = %d, want 1", calls)
	}
}

func TestDispatch_Invalid(t *testing.T) {
	h := newHarness(t, testConfig())
	if _, err := h.d.Dispatch(context.Background(), nil); !errors.Is(err, ErrInvalidIntent) {
		t.Errorf("nil intent error = %v", err)
	}
	if _, err := h.d.Dispatch(context.Background(), &Intent{ID: "x"}); !errors.Is(err, ErrInvalidIntent) {
		t.Errorf("incomplete intent error = %v", err)
	}
}

func TestDispatch_ExpiredIntentArchived(t *testing.T) {
	h := newHarness(t, testConfig())
	in := NewOfflineIntent(testState(), t0.Add(-2*time.Hour), time.Hour)

	out, err := h.d.Dispatch(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Archived || out.Status != StatusExpired {
		t.Errorf("outcome = %+v, want archived", out)
	}
	if h.realtime.callCount() != 0 {
		t.Error("expired intent was delivered")
	}
	if got := h.rec.statuses(); len(got) != 1 || got[0] != StatusExpired {
		t.Errorf("recorded = %v, want [expired]", got)
	}
}

func TestDispatch_DeduperErrorFailsOpen(t *testing.T) {
	h := newHarness(t, testConfig(), WithDeduper(failingDeduper{}))
	in := NewOfflineIntent(testState(), t0, time.Hour)

	out, err := h.d.Dispatch(context.Background(), in)
	if err != nil || out.Duplicate {
		t.Fatalf("Dispatch() = %+v, %v", out, err)
	}
	if h.realtime.callCount() != 1 {
		t.Error("intent not delivered when dedup store is down")
	}
}

func TestDispatch_MissingAddressIsPermanent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.email.failWith = ErrNoAddress

	in := NewFeverIntent(testState(), feverSample(39.5, telemetry.TierHigh), t0, time.Hour)
	out, _ := h.d.Dispatch(context.Background(), in)

	if out.Pending || out.Status != StatusFailed {
		t.Errorf("outcome = %+v, want failed without retry", out)
	}
	if !out.Results[ChannelEmail].Permanent || !out.Results[ChannelPush].Sent {
		t.Errorf("results = %+v", out.Results)
	}
	if h.d.QueueLen() != 0 {
		t.Error("permanent failure was queued for retry")
	}
}

func TestDispatch_ChannelOutcomesIndependent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.push.failFirst = 1

	in := NewFeverIntent(testState(), feverSample(38.2, telemetry.TierModerate), t0, time.Hour)
	out, _ := h.d.Dispatch(context.Background(), in)

	if !out.Results[ChannelRealtime].Sent {
		t.Error("realtime should succeed while push fails")
	}
	if out.Results[ChannelPush].Sent || !out.Pending {
		t.Errorf("push result = %+v, pending = %v", out.Results[ChannelPush], out.Pending)
	}
}

// ─── Retries ────────────────────────────────────────────────────────

func TestProcessRetries_RedeliversOnlyUnsentChannels(t *testing.T) {
	h := newHarness(t, testConfig())
	h.push.failFirst = 1

	in := NewFeverIntent(testState(), feverSample(38.2, telemetry.TierModerate), t0, time.Hour)
	if _, err := h.d.Dispatch(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	if h.d.QueueLen() != 1 {
		t.Fatalf("QueueLen = %d, want 1", h.d.QueueLen())
	}

	h.clock.Advance(time.Second)
	h.d.ProcessRetries(context.Background())

	if h.realtime.callCount() != 1 {
		t.Errorf("realtime calls = %d, want 1 (already sent)", h.realtime.callCount())
	}
	if h.push.callCount() != 2 {
		t.Errorf("push calls = %d, want 2", h.push.callCount())
	}
	if h.d.QueueLen() != 0 {
		t.Error("delivered intent still queued")
	}
	if in.RetryCount != 1 || in.Attempts[ChannelPush].Attempts != 2 {
		t.Errorf("RetryCount = %d, push attempts = %d", in.RetryCount, in.Attempts[ChannelPush].Attempts)
	}
	if got := h.rec.statuses(); got[len(got)-1] != StatusSent {
		t.Errorf("last recorded status = %s, want sent", got[len(got)-1])
	}
}

func TestProcessRetries_StopsAtMaxRetries(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.push.failWith = errors.Join(ErrChannelFailure, errors.New("broker down"))

	in := NewOfflineIntent(testState(), t0, time.Hour)
	if _, err := h.d.Dispatch(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < cfg.MaxRetries+2; i++ {
		h.clock.Advance(time.Second)
		h.d.ProcessRetries(context.Background())
	}

	if in.RetryCount != cfg.MaxRetries {
		t.Errorf("RetryCount = %d, want %d", in.RetryCount, cfg.MaxRetries)
	}
	if h.push.callCount() != cfg.MaxRetries+1 {
		t.Errorf("push calls = %d, want %d", h.push.callCount(), cfg.MaxRetries+1)
	}
	if h.d.QueueLen() != 0 {
		t.Error("exhausted intent still queued")
	}
	got := h.rec.statuses()
	if got[len(got)-1] != StatusFailed {
		t.Errorf("final status = %s, want failed", got[len(got)-1])
	}
}

func TestProcessRetries_NeverRetriesAtLimit(t *testing.T) {
	h := newHarness(t, testConfig())
	h.push.failWith = errors.Join(ErrChannelFailure, errors.New("broker down"))

	in := NewOfflineIntent(testState(), t0, time.Hour)
	in.RetryCount = 3
	out, _ := h.d.Dispatch(context.Background(), in)

	if out.Pending || h.d.QueueLen() != 0 {
		t.Error("intent at RetryCount == MaxRetries was queued")
	}
}

func TestProcessRetries_ExpiredIntentArchived(t *testing.T) {
	h := newHarness(t, testConfig())
	h.push.failWith = errors.Join(ErrChannelFailure, errors.New("broker down"))

	in := NewOfflineIntent(testState(), t0, time.Minute)
	_, _ = h.d.Dispatch(context.Background(), in)

	h.clock.Advance(2 * time.Minute)
	h.d.ProcessRetries(context.Background())

	if h.push.callCount() != 1 {
		t.Errorf("push calls = %d, want 1 (no retry after expiry)", h.push.callCount())
	}
	got := h.rec.statuses()
	if got[len(got)-1] != StatusExpired {
		t.Errorf("final status = %s, want expired", got[len(got)-1])
	}
}

func TestDispatch_QueueFullFailsIntent(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 1
	h := newHarness(t, cfg)
	h.push.failWith = errors.Join(ErrChannelFailure, errors.New("broker down"))

	state := testState()
	first := NewOfflineIntent(state, t0, time.Hour)
	state.LastSeen = t0.Add(time.Minute)
	second := NewOfflineIntent(state, t0, time.Hour)

	out1, _ := h.d.Dispatch(context.Background(), first)
	out2, _ := h.d.Dispatch(context.Background(), second)

	if !out1.Pending {
		t.Error("first intent should be queued")
	}
	if out2.Pending || out2.Status != StatusFailed {
		t.Errorf("second outcome = %+v, want failed on full queue", out2)
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────

func TestStartStopClose(t *testing.T) {
	cfg := testConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	h := newHarness(t, cfg)
	h.push.failFirst = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.d.Start(ctx)
	h.d.Start(ctx) // second Start is a no-op

	in := NewOfflineIntent(testState(), t0, time.Hour)
	if _, err := h.d.Dispatch(ctx, in); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.push.callCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.push.callCount() < 2 {
		t.Fatal("retry loop did not redeliver")
	}

	h.d.Stop()
	h.d.Stop()
	if err := h.d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := h.d.Dispatch(ctx, NewOfflineIntent(testState(), t0.Add(time.Hour), time.Hour)); !errors.Is(err, ErrClosed) {
		t.Errorf("Dispatch after Close error = %v, want ErrClosed", err)
	}
}

func TestDispatch_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t, testConfig())
	state := testState()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.d.Dispatch(context.Background(), NewFeverIntent(state, feverSample(40.1, telemetry.TierCritical), t0, time.Hour))
		}()
	}
	wg.Wait()

	if h.sms.callCount() != 1 {
		t.Errorf("sms calls = %d, want exactly 1", h.sms.callCount())
	}
}

func TestNewDispatcher_InvalidConfig(t *testing.T) {
	if _, err := NewDispatcher(Config{}, nil); err == nil {
		t.Error("zero config accepted")
	}
	if _, err := NewDispatcher(DefaultConfig(), nil); err != nil {
		t.Errorf("DefaultConfig rejected: %v", err)
	}
}
