// Package telemetry exposes the engine's Prometheus collectors and
// OpenTelemetry pass spans.
//
// A nil *Recorder and a nil *Tracer are valid and record nothing, so the
// frame loop calls them unconditionally.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gogpu/restir/internal/hashgrid"
	"github.com/gogpu/restir/internal/kernels"
)

// Pass labels.
const (
	PassInitReservoir = "InitReservoir"
	PassBuildHashGrid = "BuildHashGrid"
	PassResample      = "Resample"
	PassFinalSample   = "FinalSample"
)

// Recorder holds the engine's collectors.
type Recorder struct {
	frames           prometheus.Counter
	collisions       prometheus.Counter
	capacityExceeded prometheus.Counter
	occupied         prometheus.Gauge
	candidates       *prometheus.CounterVec
	rebuilds         prometheus.Counter
	passDuration     *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them with reg. A nil
// reg selects prometheus.DefaultRegisterer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		frames: f.NewCounter(prometheus.CounterOpts{
			Name: "restir_frames_total",
			Help: "Total number of completed instance frames",
		}),
		collisions: f.NewCounter(prometheus.CounterOpts{
			Name: "restir_grid_collisions_total",
			Help: "Total number of distinct cells that lost their bucket to another cell",
		}),
		capacityExceeded: f.NewCounter(prometheus.CounterOpts{
			Name: "restir_grid_capacity_exceeded_total",
			Help: "Total number of grid builds that ran out of buckets",
		}),
		occupied: f.NewGauge(prometheus.GaugeOpts{
			Name: "restir_grid_occupied_buckets",
			Help: "Occupied buckets of the most recent grid build",
		}),
		candidates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "restir_candidates_total",
			Help: "Resampling candidates by source and outcome",
		}, []string{"source", "outcome"}),
		rebuilds: f.NewCounter(prometheus.CounterOpts{
			Name: "restir_program_rebuilds_total",
			Help: "Total number of program rebuilds after a static option change",
		}),
		passDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "restir_pass_duration_seconds",
			Help:    "Duration of one pass of one instance",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"pass"}),
	}
}

// FrameDone counts a completed frame.
func (r *Recorder) FrameDone() {
	if r == nil {
		return
	}
	r.frames.Inc()
}

// ProgramRebuilt counts a program rebuild.
func (r *Recorder) ProgramRebuilt() {
	if r == nil {
		return
	}
	r.rebuilds.Inc()
}

// ObserveBuild records the outcome of a grid build.
func (r *Recorder) ObserveBuild(res hashgrid.BuildResult) {
	if r == nil {
		return
	}
	r.collisions.Add(float64(res.Collisions))
	if res.Status == hashgrid.BuildCapacityExceeded {
		r.capacityExceeded.Inc()
	}
	r.occupied.Set(float64(res.OccupiedBuckets))
}

// ObserveResample adds the candidate counters of one resampling pass.
func (r *Recorder) ObserveResample(st kernels.ResampleStats) {
	if r == nil {
		return
	}
	for source, c := range st.BySource() {
		for outcome, n := range c.ByOutcome() {
			if n == 0 {
				continue
			}
			r.candidates.WithLabelValues(source, outcome).Add(float64(n))
		}
	}
}

// ObservePass records the duration of one pass.
func (r *Recorder) ObservePass(pass string, d time.Duration) {
	if r == nil {
		return
	}
	r.passDuration.WithLabelValues(pass).Observe(d.Seconds())
}
