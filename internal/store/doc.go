// Package store is the persistence gateway of the pipeline.
//
// A Gateway appends classified readings and records notification
// outcomes. SQLite is the default backend; Postgres serves the same
// logical schema for larger deployments, and Influx mirrors readings into
// the time-series database. Multi fans a call out to several backends.
//
// The relational backends also serve device state (device.Repository) and
// user contact details (notify.RecipientDirectory).
package store
