// Package influxdb writes temperature samples and device health to
// InfluxDB v2 as time-series points.
//
// Writes are non-blocking and batched by the client library; failures are
// reported asynchronously through SetOnError. The sink is optional: when
// influxdb.enabled is false Connect returns ErrDisabled and the pipeline
// persists to the relational store only.
package influxdb
