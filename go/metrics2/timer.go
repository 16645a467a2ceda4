package metrics2

import (
	"time"
)

// Timer observes the duration between its creation and the call to Stop() on
// a Float64SummaryMetric, in seconds.
type Timer struct {
	begin time.Time
	m     Float64SummaryMetric
}

// NewTimer creates and returns a new started Timer using the default client.
func NewTimer(name string, tags ...map[string]string) *Timer {
	return &Timer{
		begin: time.Now(),
		m:     GetFloat64SummaryMetric(name, tags...),
	}
}

// Stop the timer and report the elapsed time. Returns the elapsed duration.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.begin)
	t.m.Observe(elapsed.Seconds())
	return elapsed
}
