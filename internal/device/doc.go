// Package device tracks the live state of every registered thermometer.
//
// The Tracker is the single authority on device connectivity, battery and
// the most recent classified reading. It is loaded from a Repository at
// startup and updated by the message pipeline; snapshots are written back
// asynchronously by the caller.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                           Tracker                            │
//	│                                                              │
//	│   devices map (RWMutex, membership only)                     │
//	│     ├── "dev-1" ─▶ entry{mu, DeviceState}                    │
//	│     ├── "dev-2" ─▶ entry{mu, DeviceState}                    │
//	│     └── ...                                                  │
//	│                                                              │
//	│   UpsertStatus / RecordReading lock one entry only, so       │
//	│   updates to different devices proceed in parallel.          │
//	└──────────────────────────────┬───────────────────────────────┘
//	                               │ battery signals (after unlock)
//	                               ▼
//	                        SignalHandler
//
// # Ordering
//
// Updates are last-writer-wins by event timestamp. An update older than
// the stored state returns telemetry.ErrStateConflict and changes nothing.
//
// # Connectivity
//
// A device is online while the time since its last message is within the
// online timeout (5 minutes by default, boundary inclusive). error and
// maintenance are sticky and only cleared by an explicit status event.
//
// # Usage
//
//	tracker := device.NewTracker(
//	    device.WithOnlineTimeout(5*time.Minute),
//	    device.WithSignalHandler(pipeline.HandleSignal),
//	)
//	if err := tracker.Load(ctx, repo); err != nil {
//	    return err
//	}
//
//	upd, err := tracker.RecordReading("dev-1", sample, meta)
//	if errors.Is(err, telemetry.ErrStateConflict) {
//	    // late reading; persist but do not publish as current
//	}
package device
