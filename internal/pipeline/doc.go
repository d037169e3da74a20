// Package pipeline connects the decoded device messages to the rest of
// the system.
//
//	router ──▶ Pipeline ──▶ classifier ──▶ tracker
//	                │
//	                ├──▶ store       (persist, bounded by a timeout)
//	                ├──▶ realtime    (temperature, status and fever events)
//	                └──▶ dispatcher  (fever, offline and battery intents)
//
// Handlers never block the router: persistence, fan-out and dispatch run
// on tracked goroutines that Shutdown waits for. The Sweeper detects
// devices that went silent, and the Commander publishes commands and
// configuration back to devices.
package pipeline
