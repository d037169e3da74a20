package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/botcareu/botcareu-core/internal/notify"
	"github.com/botcareu/botcareu-core/internal/realtime"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// DefaultSweepInterval is how often the sweeper looks for silent devices.
const DefaultSweepInterval = 30 * time.Second

// ReasonTimeout marks a status derived from silence rather than reported.
const ReasonTimeout = "timeout"

// Sweeper periodically reports devices that went offline by timeout.
type Sweeper struct {
	p        *Pipeline
	interval time.Duration

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSweeper creates a sweeper for p.
func NewSweeper(p *Pipeline, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{p: p, interval: interval}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for it. It is safe to call more than once.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

// Sweep checks every active device once and returns how many were newly
// reported offline.
func (s *Sweeper) Sweep(ctx context.Context) int {
	p := s.p
	now := p.clock.Now()
	n := 0
	for _, st := range p.tracker.All() {
		if !st.Active || st.Status != telemetry.StatusOnline {
			continue
		}
		if p.tracker.EffectiveStatus(st, now) != telemetry.StatusOffline {
			continue
		}
		if !p.markTimedOut(st.ID) {
			continue
		}
		n++
		p.logger.Info("device offline by timeout", "device_id", st.ID, "last_seen", st.LastSeen)

		state := st
		state.Status = telemetry.StatusOffline
		p.goAsync(ctx, "offline sweep", func(ctx context.Context) {
			p.publish(state, realtime.EventDeviceStatus, statusEvent(state, telemetry.StatusOffline, ReasonTimeout))
			if state.Alert.Enabled {
				p.dispatch(ctx, notify.NewOfflineIntent(state, p.clock.Now(), p.dispatcher.IntentTTL()))
			}
		})
	}
	return n
}
