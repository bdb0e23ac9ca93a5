package restir

import (
	"github.com/gogpu/gpucontext"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/gogpu/restir/internal/kernels"
)

// PassOption configures a Pass or Instance during creation.
//
// Example:
//
//	pass, err := restir.NewPass(scene, restir.DefaultOptions(),
//		restir.WithWorkers(8),
//		restir.WithMetrics(prometheus.DefaultRegisterer),
//	)
type PassOption func(*passConfig)

// passConfig holds the construction-time settings shared by every
// instance of a pass.
type passConfig struct {
	workers              int
	gridCapacity         int
	maxSpatialCandidates int
	historyLimit         uint32
	temporalReuse        bool

	provider   gpucontext.DeviceProvider
	registerer prometheus.Registerer
	tracer     trace.TracerProvider

	// newBuilder overrides backend selection; set by tests.
	newBuilder func(index int) (kernels.ProgramBuilder, error)
}

func defaultPassConfig() passConfig {
	return passConfig{
		maxSpatialCandidates: 8,
		historyLimit:         20,
		temporalReuse:        true,
	}
}

// WithWorkers sets the number of CPU workers. Zero or less selects
// GOMAXPROCS.
func WithWorkers(n int) PassOption {
	return func(c *passConfig) {
		c.workers = n
	}
}

// WithGridCapacity sets the number of hash-grid buckets. Zero or less
// selects the default of 3,200,000.
func WithGridCapacity(buckets int) PassOption {
	return func(c *passConfig) {
		c.gridCapacity = buckets
	}
}

// WithMaxSpatialCandidates bounds the entries visited per grid lookup.
// Values are clamped to [0, 32].
func WithMaxSpatialCandidates(n int) PassOption {
	return func(c *passConfig) {
		c.maxSpatialCandidates = min(max(n, 0), kernels.MaxSpatialCandidatesLimit)
	}
}

// WithHistoryLimit caps the confidence M of reused previous-frame
// reservoirs. The default is 20.
func WithHistoryLimit(m uint32) PassOption {
	return func(c *passConfig) {
		c.historyLimit = max(m, 1)
	}
}

// WithTemporalReuse enables or disables reprojection into the previous
// frame's reservoirs. It is enabled by default.
func WithTemporalReuse(enabled bool) PassOption {
	return func(c *passConfig) {
		c.temporalReuse = enabled
	}
}

// WithDeviceProvider runs the passes on the GPU device of p. When p does
// not expose HAL types the CPU backend is used and a warning is logged.
func WithDeviceProvider(p gpucontext.DeviceProvider) PassOption {
	return func(c *passConfig) {
		c.provider = p
	}
}

// WithMetrics registers the Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) PassOption {
	return func(c *passConfig) {
		c.registerer = reg
	}
}

// WithTracerProvider emits one span per pass through tp.
func WithTracerProvider(tp trace.TracerProvider) PassOption {
	return func(c *passConfig) {
		c.tracer = tp
	}
}
