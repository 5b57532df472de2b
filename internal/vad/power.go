package vad

import (
	"math"

	"voxhub/internal/config"
)

// Energy is the frame power measure the detector thresholds.
func Energy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var s float64
	for _, x := range samples {
		v := float64(x)
		s += v * v
	}
	return math.Sqrt(s) / float64(len(samples))
}

// window counts positive decisions among the last cap frames.
type window struct {
	bits []bool
	pos  int
	ones int
}

func newWindow(size int) *window {
	return &window{bits: make([]bool, size)}
}

func (w *window) push(v bool) {
	if w.bits[w.pos] {
		w.ones--
	}
	w.bits[w.pos] = v
	if v {
		w.ones++
	}
	w.pos = (w.pos + 1) % len(w.bits)
}

// fraction is computed over the full capacity, so a half filled window
// cannot look like sustained speech.
func (w *window) fraction() float64 {
	return float64(w.ones) / float64(len(w.bits))
}

func (w *window) fill(v bool) {
	for i := range w.bits {
		w.bits[i] = v
	}
	w.pos, w.ones = 0, 0
	if v {
		w.ones = len(w.bits)
	}
}

func (w *window) reset() { w.fill(false) }

// PowerDetector classifies frames by energy against an adaptive threshold
// and turns per-frame decisions into a hysteretic speech state.
type PowerDetector struct {
	cfg       config.VADConfig
	threshold float64
	seen      int
	speechWin *window
	silWin    *window
	speech    bool
}

func NewPowerDetector(cfg config.VADConfig) *PowerDetector {
	d := &PowerDetector{
		cfg:       cfg,
		speechWin: newWindow(cfg.DecisionFramesSpeech),
		silWin:    newWindow(cfg.DecisionFramesSil),
	}
	d.Reset()
	return d
}

func (d *PowerDetector) Threshold() float64 { return d.threshold }

func (d *PowerDetector) Speech() bool { return d.speech }

// Reset restores the configured threshold and clears both windows.
func (d *PowerDetector) Reset() {
	d.threshold = d.cfg.PowerThreshold
	d.seen = 0
	d.speechWin.reset()
	d.silWin.reset()
	d.speech = false
}

// IsSpeech classifies one frame. During the first adaptation frames the
// threshold follows the running mean of the observed energy.
func (d *PowerDetector) IsSpeech(samples []int16) bool {
	e := Energy(samples)
	if d.seen < d.cfg.PowerAdaptationFrames {
		d.seen++
		d.threshold += (e - d.threshold) / float64(d.seen+1)
	}
	return e > d.cfg.PowerThresholdMultiplier*d.threshold
}

// Decide feeds one frame and reports whether the speech state changed.
func (d *PowerDetector) Decide(samples []int16) (speech, changed bool) {
	v := d.IsSpeech(samples)
	d.speechWin.push(v)
	d.silWin.push(v)

	// Entering a state primes the window that decides leaving it, so a
	// change needs a full window of evidence against the new state.
	switch {
	case !d.speech && d.speechWin.fraction() > d.cfg.SpeechThreshold:
		d.speech = true
		d.silWin.fill(true)
		return true, true
	case d.speech && d.silWin.fraction() < d.cfg.NonSpeechThreshold:
		d.speech = false
		d.speechWin.fill(false)
		return false, true
	}
	return d.speech, false
}
