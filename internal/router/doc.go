// Package router turns device MQTT messages into typed telemetry events.
//
// The Router parses the topic, decodes the JSON payload, checks the device
// is known and hands the event to a Sink. It keeps no per-device state and
// is safe for concurrent use by the MQTT client's handler goroutines.
//
// Topic layout:
//
//	<ns>/device/<id>/temperature/reading
//	<ns>/device/<id>/status
//	<ns>/device/<id>/alerts
//	<ns>/device/<id>/config
//
// Malformed topics or payloads are logged, counted and dropped. Messages
// for unknown devices are discarded with a warning.
package router
