package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("voxhub", reg)

	c.Call("accepted")
	c.Call("accepted")
	c.Call("rejected")
	c.Dropped("ASR", 3)
	c.Dropped("ASR", 0)
	c.Engine("whisper", 200*time.Millisecond, nil)
	c.Engine("whisper", time.Second, errors.New("timeout"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.calls.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.calls.WithLabelValues("rejected")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.dropped.WithLabelValues("ASR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.engineFailures.WithLabelValues("whisper")))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Call("accepted")
		c.CallEnded(time.Second)
		c.Command("HUB", "flush")
		c.Dropped("VAD", 1)
		c.Engine("espeak", time.Millisecond, nil)
		c.SpeechSegment()
		c.Prompt("intro")
	})
}
