package metrics2

import (
	"sync"
	"time"
)

const (
	measurementLiveness = "liveness"
	livenessReportFreq  = time.Minute
)

// Liveness keeps a time-since-last-successful-update metric, in seconds. It is
// used to keep track of periodic processes to make sure that they are running
// successfully; every liveness metric should have a corresponding alert.
type Liveness interface {
	// Get returns the current value of the Liveness.
	Get() int64
	// ManualReset sets the liveness to the specified time.
	ManualReset(lastSuccessfulUpdate time.Time)
	// Reset should be called when some work has been successfully completed.
	Reset()
}

type liveness struct {
	lastSuccessfulUpdate time.Time
	m                    Int64Metric
	mtx                  sync.Mutex
}

// NewLiveness creates a new Liveness metric helper using the default client.
func NewLiveness(name string, tags ...map[string]string) Liveness {
	allTags := map[string]string{"name": clean(name)}
	for _, t := range tags {
		for k, v := range t {
			allTags[k] = v
		}
	}
	l := &liveness{
		lastSuccessfulUpdate: time.Now(),
		m:                    GetInt64Metric(measurementLiveness+"_s", allTags),
	}
	go func() {
		for range time.Tick(livenessReportFreq) {
			l.update()
		}
	}()
	return l
}

func (l *liveness) updateLocked() {
	l.m.Update(int64(time.Since(l.lastSuccessfulUpdate).Seconds()))
}

func (l *liveness) update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.updateLocked()
}

func (l *liveness) Get() int64 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.m.Get()
}

func (l *liveness) ManualReset(lastSuccessfulUpdate time.Time) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.lastSuccessfulUpdate = lastSuccessfulUpdate
	l.updateLocked()
}

func (l *liveness) Reset() {
	l.ManualReset(time.Now())
}
