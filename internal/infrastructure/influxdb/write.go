package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/Arnold208/MQTTClient/internal/fault"
)

// Measurement names.
const (
	measurementStage   = "bringup_stage"
	measurementSession = "mqtt_session"
)

// RecordStage writes the duration and outcome of one bring-up stage.
// It satisfies the bring-up recorder interface.
//
// Tags: node, stage, outcome ("ok" or "error"), kind (failure class).
// Fields: elapsed_ms, and error when the stage failed.
func (c *Client) RecordStage(_ context.Context, stage string, elapsed time.Duration, err error) {
	tags := map[string]string{
		"stage":   stage,
		"outcome": "ok",
	}
	fields := map[string]interface{}{
		"elapsed_ms": float64(elapsed) / float64(time.Millisecond),
	}
	if err != nil {
		tags["outcome"] = "error"
		tags["kind"] = fault.KindOf(err).String()
		fields["error"] = err.Error()
	}
	c.WritePoint(measurementStage, tags, fields)
}

// SessionSample is a snapshot of broker session counters.
type SessionSample struct {
	State           string
	Connects        int
	Publishes       int
	PublishFailures int
	Polls           int
	Faults          int
}

// RecordSession writes a session counter snapshot.
func (c *Client) RecordSession(s SessionSample) {
	c.WritePoint(measurementSession,
		map[string]string{"state": s.State},
		map[string]interface{}{
			"connects":         s.Connects,
			"publishes":        s.Publishes,
			"publish_failures": s.PublishFailures,
			"polls":            s.Polls,
			"faults":           s.Faults,
		},
	)
}

// WritePoint writes a custom point stamped now. The node tag is added
// unless tags already carry one.
//
// Example:
//
//	client.WritePoint("radio",
//	    map[string]string{"ssid": "lab"},
//	    map[string]interface{}{"joins": 3})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, c.now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	if _, ok := tags["node"]; !ok && c.node != "" {
		merged := make(map[string]string, len(tags)+1)
		for k, v := range tags {
			merged[k] = v
		}
		merged["node"] = c.node
		tags = merged
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
