// Package telemetry defines the decoded device events, the classified
// temperature sample and the fever classifier.
//
// Everything here is in-memory and side-effect free. Classify in
// particular is a pure function of its input and the configured
// thresholds, so it can be tested in isolation from transport, state and
// notification delivery.
package telemetry
