// Package metrics2 provides a thin facade over Prometheus metrics with
// support for tags, counters, livenesses and timers. All functions use a
// process-wide default client; the HTTP exposition side is set up by
// go/common.
package metrics2

// Int64Metric is a metric which reports an int64 value.
type Int64Metric interface {
	// Get returns the current value of the metric.
	Get() int64
	// Update sets the value of the metric.
	Update(v int64)
}

// Float64SummaryMetric is a metric which reports observations of float64
// values, e.g. durations.
type Float64SummaryMetric interface {
	Observe(v float64)
}

// Counter is a metric which can be incremented and decremented.
type Counter interface {
	Inc(i int64)
	Dec(i int64)
	Get() int64
	Reset()
}

// Client represents a set of metrics.
type Client interface {
	GetInt64Metric(name string, tags ...map[string]string) Int64Metric
	GetCounter(name string, tags ...map[string]string) Counter
	GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric
}

var defaultClient Client = newPromClient()

// GetDefaultClient returns the default Client.
func GetDefaultClient() Client {
	return defaultClient
}

// GetInt64Metric returns an Int64Metric instance using the default client.
func GetInt64Metric(name string, tags ...map[string]string) Int64Metric {
	return defaultClient.GetInt64Metric(name, tags...)
}

// GetCounter returns a Counter instance using the default client.
func GetCounter(name string, tags ...map[string]string) Counter {
	return defaultClient.GetCounter(name, tags...)
}

// GetFloat64SummaryMetric returns a Float64SummaryMetric instance using the
// default client.
func GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric {
	return defaultClient.GetFloat64SummaryMetric(name, tags...)
}
