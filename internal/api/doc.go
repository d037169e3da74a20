// Package api implements the HTTP surface of BotCareU Core.
//
// This package provides:
//   - operational endpoints: /health and the Prometheus /metrics scrape
//   - the realtime WebSocket endpoint, served by the realtime hub
//   - an owner-scoped device snapshot that reconciles live and stored state
//   - device command and configuration pushes over MQTT
//   - a per-device audit trail of commands and failed notifications
//
// Device routes require a bearer JWT. A user only ever sees devices they
// own; any other device ID answers 404 so IDs cannot be probed.
//
// The server follows the same lifecycle pattern as the other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
