package metrics2

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"go.copilot.dev/infra/go/sklog"
)

// invalidChar is used to force metric and tag names to conform to Prometheus's
// restrictions.
var invalidChar = regexp.MustCompile(`([^a-zA-Z0-9_:])`)

func clean(s string) string {
	return invalidChar.ReplaceAllLiteralString(s, "_")
}

// promInt64 implements the Int64Metric interface.
type promInt64 struct {
	// i tracks the value of the gauge, because the prometheus client lib
	// doesn't support Get on Gauge values.
	i     int64
	gauge prometheus.Gauge
}

func (m *promInt64) Get() int64 {
	return atomic.LoadInt64(&m.i)
}

func (m *promInt64) Update(v int64) {
	atomic.StoreInt64(&m.i, v)
	m.gauge.Set(float64(v))
}

// promCounter implements the Counter interface.
type promCounter struct {
	promInt64
}

func (pc *promCounter) Inc(i int64) {
	pc.Update(pc.Get() + i)
}

func (pc *promCounter) Dec(i int64) {
	pc.Update(pc.Get() - i)
}

func (pc *promCounter) Reset() {
	pc.Update(0)
}

// promFloat64Summary implements the Float64SummaryMetric interface.
type promFloat64Summary struct {
	summary prometheus.Observer
}

func (m *promFloat64Summary) Observe(v float64) {
	m.summary.Observe(v)
}

// promClient implements the Client interface.
type promClient struct {
	int64GaugeVecs map[string]*prometheus.GaugeVec
	int64Gauges    map[string]*promInt64
	int64Mutex     sync.Mutex

	summaryVecs  map[string]*prometheus.SummaryVec
	summaries    map[string]*promFloat64Summary
	summaryMutex sync.Mutex
}

func newPromClient() *promClient {
	return &promClient{
		int64GaugeVecs: map[string]*prometheus.GaugeVec{},
		int64Gauges:    map[string]*promInt64{},
		summaryVecs:    map[string]*prometheus.SummaryVec{},
		summaries:      map[string]*promFloat64Summary{},
	}
}

// commonGet cleans the measurement name and tags and builds the two cache
// keys: one identifying the individual metric, one identifying the vec it
// lives in.
func (p *promClient) commonGet(measurement string, tags ...map[string]string) (string, map[string]string, []string, string, string) {
	measurement = clean(measurement)

	cleanTags := map[string]string{}
	keys := []string{}
	for _, t := range tags {
		for k, v := range t {
			key := clean(k)
			if _, ok := cleanTags[key]; !ok {
				keys = append(keys, key)
			}
			cleanTags[key] = v
		}
	}
	sort.Strings(keys)

	gaugeKeySrc := []string{measurement}
	for _, key := range keys {
		gaugeKeySrc = append(gaugeKeySrc, key, cleanTags[key])
	}
	gaugeKey := strings.Join(gaugeKeySrc, "-")
	gaugeVecKey := fmt.Sprintf("%s %v", measurement, keys)

	return measurement, cleanTags, keys, gaugeKey, gaugeVecKey
}

func (p *promClient) GetInt64Metric(name string, tags ...map[string]string) Int64Metric {
	return p.getPromInt64(name, tags...)
}

func (p *promClient) GetCounter(name string, tags ...map[string]string) Counter {
	return &promCounter{*p.getPromInt64(name, tags...)}
}

func (p *promClient) getPromInt64(name string, tags ...map[string]string) *promInt64 {
	measurement, cleanTags, keys, gaugeKey, gaugeVecKey := p.commonGet(name, tags...)

	p.int64Mutex.Lock()
	defer p.int64Mutex.Unlock()

	if ret, ok := p.int64Gauges[gaugeKey]; ok {
		return ret
	}
	gaugeVec, ok := p.int64GaugeVecs[gaugeVecKey]
	if !ok {
		gaugeVec = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: measurement,
				Help: measurement,
			},
			keys,
		)
		if err := prometheus.Register(gaugeVec); err != nil {
			sklog.Fatalf("Failed to register %q: %s", measurement, err)
		}
		p.int64GaugeVecs[gaugeVecKey] = gaugeVec
	}
	gauge, err := gaugeVec.GetMetricWith(prometheus.Labels(cleanTags))
	if err != nil {
		sklog.Fatalf("Failed to get gauge %q: %s", measurement, err)
	}
	ret := &promInt64{gauge: gauge}
	p.int64Gauges[gaugeKey] = ret
	return ret
}

func (p *promClient) GetFloat64SummaryMetric(name string, tags ...map[string]string) Float64SummaryMetric {
	measurement, cleanTags, keys, summaryKey, summaryVecKey := p.commonGet(name, tags...)

	p.summaryMutex.Lock()
	defer p.summaryMutex.Unlock()

	if ret, ok := p.summaries[summaryKey]; ok {
		return ret
	}
	summaryVec, ok := p.summaryVecs[summaryVecKey]
	if !ok {
		summaryVec = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name: measurement,
				Help: measurement,
			},
			keys,
		)
		if err := prometheus.Register(summaryVec); err != nil {
			sklog.Fatalf("Failed to register %q: %s", measurement, err)
		}
		p.summaryVecs[summaryVecKey] = summaryVec
	}
	summary, err := summaryVec.GetMetricWith(prometheus.Labels(cleanTags))
	if err != nil {
		sklog.Fatalf("Failed to get summary %q: %s", measurement, err)
	}
	ret := &promFloat64Summary{summary: summary}
	p.summaries[summaryKey] = ret
	return ret
}
