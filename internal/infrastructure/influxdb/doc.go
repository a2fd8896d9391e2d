// Package influxdb writes decoded register values to InfluxDB v2.
//
// It is optional: with influxdb.enabled=false Connect returns ErrDisabled
// and the bridge runs without a time series. Writes are batched and
// non-blocking so the capture path never waits on the network; failures
// arrive through SetOnError.
package influxdb
