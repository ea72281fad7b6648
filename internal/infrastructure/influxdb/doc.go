// Package influxdb records node telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library and writes two
// measurements:
//   - bringup_stage: one point per bring-up stage with its duration and outcome
//   - mqtt_session: periodic broker session counters
//
// A connected Client satisfies the bring-up recorder interface, so stage
// timing flows in without the orchestrator knowing about InfluxDB.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.MQTT.Broker.ClientID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.RecordStage(ctx, "radio-join", 1200*time.Millisecond, nil)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes; batch errors
// are delivered to the SetOnError callback.
package influxdb
