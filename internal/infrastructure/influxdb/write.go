package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	MeasurementRegister = "modbus_register"
	MeasurementSession  = "capture_session"
)

// RegisterSample is one decoded register value bound for the time series.
type RegisterSample struct {
	Key      string // canonical register key, e.g. "reg:40001"
	Topic    string
	Datatype string
	Unit     string
	Value    any
	At       time.Time
}

// WriteRegisterValue records one decoded register value.
//
// Only numeric and boolean values are written; strings, hex fallbacks and
// structured transform results have no useful time-series form and are
// skipped. The write is non-blocking.
func (c *Client) WriteRegisterValue(s RegisterSample) {
	if !c.IsConnected() {
		return
	}
	if p, ok := registerPoint(s); ok {
		c.writeAPI.WritePoint(p)
	}
}

// WriteSessionSummary records how a capture session ended.
func (c *Client) WriteSessionSummary(sessionID, reason string, expected, observed int, duration time.Duration, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(sessionPoint(sessionID, reason, expected, observed, duration, at))
}

// registerPoint builds the point for s, reporting false for values that
// are not numeric or boolean.
func registerPoint(s RegisterSample) (*write.Point, bool) {
	field, ok := numericField(s.Value)
	if !ok {
		return nil, false
	}

	tags := map[string]string{
		"register": s.Key,
		"topic":    s.Topic,
		"datatype": s.Datatype,
	}
	if s.Unit != "" {
		tags["unit"] = s.Unit
	}

	at := s.At
	if at.IsZero() {
		at = time.Now()
	}

	return write.NewPoint(MeasurementRegister, tags, map[string]any{"value": field}, at), true
}

func sessionPoint(sessionID, reason string, expected, observed int, duration time.Duration, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementSession,
		map[string]string{
			"reason": reason,
		},
		map[string]any{
			"session_id":  sessionID,
			"expected":    expected,
			"observed":    observed,
			"duration_ms": duration.Milliseconds(),
		},
		at,
	)
}

// numericField normalises v to a value InfluxDB stores as a number or bool.
func numericField(v any) (any, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case bool:
		return n, true
	default:
		return nil, false
	}
}
