// Package realtime fans pipeline events out to dashboard WebSocket
// connections.
//
// Connections authenticate with a bearer token, either during the HTTP
// upgrade or with an auth message shortly after. An authenticated
// connection joins its owner's room (user:<id>) and may subscribe to the
// rooms of devices it can view (device:<id>). Publishing never blocks:
// events for a client whose send buffer is full are dropped and counted.
package realtime
