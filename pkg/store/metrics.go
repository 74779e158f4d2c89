package store

import (
	"time"

	"github.com/shapewire-net/shapewire/pkg/model"
)

// AppendSample records one telemetry observation. Duplicate deliveries of
// the same (metric, device, timestamp) are ignored, keeping the history
// idempotent under the bus's at-least-once semantics.
func (s *Store) AppendSample(sample model.MetricSample) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO metrics_history (metric, device_id, value, ts)
		 VALUES (?, ?, ?, ?)`,
		sample.Metric, sample.DeviceID, sample.Value, sample.Timestamp.UTC(),
	)
	if err != nil {
		return storeErr("appending sample", err)
	}
	return nil
}

type sampleRow struct {
	Metric   string    `db:"metric"`
	DeviceID string    `db:"device_id"`
	Value    float64   `db:"value"`
	TS       time.Time `db:"ts"`
}

func rowsToSamples(rows []sampleRow) []model.MetricSample {
	out := make([]model.MetricSample, len(rows))
	for i, r := range rows {
		out[i] = model.MetricSample{
			Metric:    r.Metric,
			DeviceID:  r.DeviceID,
			Value:     r.Value,
			Timestamp: r.TS,
		}
	}
	return out
}

// SamplesSince returns samples for a metric recorded at or after since,
// oldest-first. Empty deviceID matches every device, which is how
// multi-device goals aggregate.
func (s *Store) SamplesSince(metric, deviceID string, since time.Time) ([]model.MetricSample, error) {
	var rows []sampleRow
	var err error
	if deviceID == "" {
		err = s.db.Select(&rows,
			`SELECT * FROM metrics_history WHERE metric = ? AND ts >= ? ORDER BY ts ASC`,
			metric, since.UTC(),
		)
	} else {
		err = s.db.Select(&rows,
			`SELECT * FROM metrics_history WHERE metric = ? AND device_id = ? AND ts >= ? ORDER BY ts ASC`,
			metric, deviceID, since.UTC(),
		)
	}
	if err != nil {
		return nil, storeErr("loading samples", err)
	}
	return rowsToSamples(rows), nil
}

// LastSamples returns the most recent samples for one device, newest-first
func (s *Store) LastSamples(deviceID string, limit int) ([]model.MetricSample, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []sampleRow
	err := s.db.Select(&rows,
		`SELECT * FROM metrics_history WHERE device_id = ? ORDER BY ts DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, storeErr("loading last samples", err)
	}
	return rowsToSamples(rows), nil
}

// PruneSamples deletes samples older than the cutoff and reports how many
// rows went away. Run periodically against the retention window.
func (s *Store) PruneSamples(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM metrics_history WHERE ts < ?", olderThan.UTC())
	if err != nil {
		return 0, storeErr("pruning samples", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("pruning samples", err)
	}
	return n, nil
}
