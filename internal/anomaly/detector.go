package anomaly

import (
	"math"
	"sync"

	"github.com/veldt-labs/opsplane/internal/models"
)

// Result describes one observation against its signal's rolling history.
type Result struct {
	Signal    string
	Value     float64
	Mean      float64
	Stdev     float64
	Z         float64
	Anomalous bool
	Severity  models.Severity
}

// Config tunes the detector.
type Config struct {
	WindowSize int     // ring size per signal
	MinSamples int     // history required before flagging
	ZThreshold float64 // |z| above this flags an anomaly
	// Floors maps a signal to an absolute value that flags even when the
	// window has zero variance, so a flat history cannot mask a spike.
	Floors map[string]float64
}

func (c *Config) defaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = 3.0
	}
}

type ring struct {
	values []float64
	next   int
	full   bool
}

func (r *ring) push(v float64) {
	r.values[r.next] = v
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) samples() []float64 {
	if r.full {
		return r.values
	}
	return r.values[:r.next]
}

// Detector keeps a bounded window per signal and standardizes each new
// observation against it. Cardinality is bounded by the caller: signals are
// a fixed set of operational series, not user data.
type Detector struct {
	mu    sync.Mutex
	cfg   Config
	rings map[string]*ring
	emit  func(models.Event)
}

// New builds a detector; emit receives anomaly events and may be nil.
func New(cfg Config, emit func(models.Event)) *Detector {
	cfg.defaults()
	if emit == nil {
		emit = func(models.Event) {}
	}
	return &Detector{cfg: cfg, rings: make(map[string]*ring), emit: emit}
}

// Observe scores value against the signal's history, then admits it to the
// window. The score uses only prior samples so a spike cannot dilute the
// baseline it is judged against.
func (d *Detector) Observe(signal string, value float64) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rings[signal]
	if !ok {
		r = &ring{values: make([]float64, d.cfg.WindowSize)}
		d.rings[signal] = r
	}
	history := r.samples()
	res := Result{Signal: signal, Value: value}

	if len(history) >= d.cfg.MinSamples {
		res.Mean, res.Stdev = meanStdev(history)
		if res.Stdev > 0 {
			res.Z = (value - res.Mean) / res.Stdev
			if math.Abs(res.Z) > d.cfg.ZThreshold {
				res.Anomalous = true
			}
		} else if floor, ok := d.cfg.Floors[signal]; ok && value > floor {
			// Zero-variance history must not mask a sudden spike.
			res.Anomalous = true
			res.Z = math.Inf(1)
		}
	}
	if res.Anomalous {
		res.Severity = severity(res.Z)
		d.emit(models.NewEvent(models.KindAnomaly, "anomaly", map[string]any{
			"signal":   signal,
			"z":        finiteZ(res.Z),
			"current":  value,
			"mean":     res.Mean,
			"stdev":    res.Stdev,
			"severity": string(res.Severity),
		}))
	}

	r.push(value)
	return res
}

func severity(z float64) models.Severity {
	switch {
	case math.Abs(z) > 4:
		return models.SeverityHigh
	case math.Abs(z) > 3:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func meanStdev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// finiteZ clamps the sentinel infinite z used for zero-variance spikes so
// the event payload stays valid JSON.
func finiteZ(z float64) float64 {
	if math.IsInf(z, 1) {
		return 999
	}
	if math.IsInf(z, -1) {
		return -999
	}
	return z
}
