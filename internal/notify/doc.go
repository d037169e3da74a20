// Package notify turns fever, battery, offline and firmware alerts into
// notification intents and delivers them over the channels the owner
// enabled.
//
// Every intent has a deterministic ID derived from its type, device and
// event second. A Deduper claims the ID before delivery, so a temperature
// reading and the device's own fever alert for the same measurement
// produce one notification, and a duplicate MQTT delivery produces none.
//
// Channels are attempted independently. A channel that fails with a
// retryable error is redelivered by the retry loop until MaxRetries is
// reached or the intent expires; channels that already succeeded are
// never re-sent.
//
//	Intent ──▶ Deduper ──▶ deliver ──▶ realtime | push | email | sms
//	                          │
//	                          └─ pending ──▶ RetryQueue ──▶ ProcessRetries
package notify
