// Package mqtt provides the broker connection used by the messaging session.
//
// This package manages:
//   - A single connection to the broker, without automatic reconnection
//   - Publishing with context- and timeout-bounded token waits
//   - Topic subscriptions with wildcard support and panic-safe handlers
//   - Topic name and filter validation
//   - Optional retained status topic with Last Will and Testament
//
// A zero connect or publish timeout waits indefinitely; the caller's
// context still bounds every wait.
//
// # Usage
//
//	client := mqtt.New(cfg.MQTT)
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err := client.Subscribe(ctx, "fun/led", func(topic string, payload []byte) error {
//	    log.Printf("%s = %s", topic, payload)
//	    return nil
//	})
//	err = client.Publish(ctx, "fun/led", []byte("green_on"))
package mqtt
