// Package metrics exposes hub and stage counters to prometheus. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	calls          *prometheus.CounterVec
	callDuration   prometheus.Histogram
	commands       *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	engineLatency  *prometheus.HistogramVec
	engineFailures *prometheus.CounterVec
	speechSegments prometheus.Counter
	prompts        *prometheus.CounterVec
}

// NewCollector registers the collectors on reg.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Calls seen by the hub by outcome",
		}, []string{"outcome"}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Length of completed calls",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands handled by the hub",
		}, []string{"source", "verb"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Messages discarded by flush, stop or backlog protection",
		}, []string{"stage"}),
		engineLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "engine_latency_seconds",
			Help:      "Wrapped engine call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"engine"}),
		engineFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_failures_total",
			Help:      "Failed or timed out engine calls",
		}, []string{"engine"}),
		speechSegments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_segments_total",
			Help:      "Speech segments detected by the VAD",
		}),
		prompts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompts_total",
			Help:      "Synthesize commands queued by the hub",
		}, []string{"kind"}),
	}
}

func (c *Collector) Call(outcome string) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(outcome).Inc()
}

func (c *Collector) CallEnded(d time.Duration) {
	if c == nil {
		return
	}
	c.callDuration.Observe(d.Seconds())
}

func (c *Collector) Command(source, verb string) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(source, verb).Inc()
}

func (c *Collector) Dropped(stage string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.dropped.WithLabelValues(stage).Add(float64(n))
}

// Engine records one engine call.
func (c *Collector) Engine(engine string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.engineLatency.WithLabelValues(engine).Observe(d.Seconds())
	if err != nil {
		c.engineFailures.WithLabelValues(engine).Inc()
	}
}

func (c *Collector) SpeechSegment() {
	if c == nil {
		return
	}
	c.speechSegments.Inc()
}

func (c *Collector) Prompt(kind string) {
	if c == nil {
		return
	}
	c.prompts.WithLabelValues(kind).Inc()
}
