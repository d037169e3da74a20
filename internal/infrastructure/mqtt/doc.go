// Package mqtt provides the MQTT client used to receive device telemetry
// and to push commands and configuration back to devices.
//
// It manages the broker connection with auto-reconnect, tracks
// subscriptions so they survive reconnects, publishes a retained
// online/offline status for the backend (with an LWT for crashes), and
// recovers from panics in message handlers.
//
// While the link is down devices simply stop being heard from; their
// online state ages out through the tracker's timeout rule, so there is no
// special disconnect handling beyond logging.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT, cfg.Service.Namespace)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.SubscribeDefault(client.Topics().AllDevices(mqtt.KindStatus), handler)
package mqtt
