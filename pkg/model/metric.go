package model

import "time"

// MetricSample is a single telemetry observation. Samples are append-only
// and deduped on (Metric, DeviceID, Timestamp) so at-least-once delivery
// from the bus cannot double-count.
type MetricSample struct {
	Metric    string    `json:"metric"`
	DeviceID  string    `json:"device_id,omitempty"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}
