package restir

import (
	"fmt"
	"maps"

	"github.com/go-playground/validator/v10"

	"github.com/gogpu/restir/internal/kernels"
	"github.com/gogpu/restir/internal/reservoir"
)

// TargetPdf selects the function candidates are weighted against.
type TargetPdf = reservoir.TargetPdf

// Target pdf modes.
const (
	IncomingRadiance = reservoir.TargetIncomingRadiance
	OutgoingRadiance = reservoir.TargetOutgoingRadiance
)

// Options holds the user-facing tuning of a Pass.
//
// NormalThreshold, DepthThreshold and SceneGridDimension are runtime
// options. RoughnessThreshold and TargetPdf are baked into the programs.
// NumInstances recreates the instances.
type Options struct {
	// NormalThreshold is the minimum cosine between the normals of a pixel
	// and a reused neighbour.
	NormalThreshold float32 `yaml:"normalThreshold" json:"normalThreshold" validate:"gte=0,lte=1"`

	// DepthThreshold is the maximum relative depth difference between a
	// pixel and a reused neighbour.
	DepthThreshold float32 `yaml:"depthThreshold" json:"depthThreshold" validate:"gte=0,lte=1"`

	// SceneGridDimension is the number of cells along the largest extent
	// of the scene bounds.
	SceneGridDimension uint32 `yaml:"sceneGridDimension" json:"sceneGridDimension" validate:"gte=1,lte=300"`

	// RoughnessThreshold is the roughness below which a pixel keeps its
	// own sample.
	RoughnessThreshold float32 `yaml:"roughnessThreshold" json:"roughnessThreshold" validate:"gte=0,lte=1.2"`

	TargetPdf TargetPdf `yaml:"targetPdf" json:"targetPdf" validate:"lte=1"`

	// NumInstances is the number of independent GI instances.
	NumInstances uint32 `yaml:"numInstances" json:"numInstances" validate:"gte=1,lte=6"`
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		NormalThreshold:    0.9,
		DepthThreshold:     0.1,
		SceneGridDimension: 80,
		RoughnessThreshold: 0.2,
		TargetPdf:          IncomingRadiance,
		NumInstances:       1,
	}
}

var validate = validator.New()

// Validate checks every option against its range.
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// Change classifies the difference between two Options values.
type Change uint8

const (
	// ChangeRuntime marks options read every frame.
	ChangeRuntime Change = 1 << iota

	// ChangeStatic marks options baked into the programs.
	ChangeStatic

	// ChangeInstances marks a change of NumInstances.
	ChangeInstances

	// ChangeNone means the values are equal.
	ChangeNone Change = 0
)

// Has reports whether every bit of k is set in c.
func (c Change) Has(k Change) bool { return c&k == k && k != 0 }

// String returns a readable list of the set bits.
func (c Change) String() string {
	if c == ChangeNone {
		return "none"
	}
	s := ""
	add := func(k Change, name string) {
		if !c.Has(k) {
			return
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	add(ChangeRuntime, "runtime")
	add(ChangeStatic, "static")
	add(ChangeInstances, "instances")
	return s
}

// Diff classifies the change from o to n.
func (o Options) Diff(n Options) Change {
	var c Change
	if o.NormalThreshold != n.NormalThreshold ||
		o.DepthThreshold != n.DepthThreshold ||
		o.SceneGridDimension != n.SceneGridDimension {
		c |= ChangeRuntime
	}
	if o.RoughnessThreshold != n.RoughnessThreshold || o.TargetPdf != n.TargetPdf {
		c |= ChangeStatic
	}
	if o.NumInstances != n.NumInstances {
		c |= ChangeInstances
	}
	return c
}

// StaticConfigFrom derives the program configuration from the static
// options and the scene's defines.
func StaticConfigFrom(o Options, sceneDefines map[string]string) kernels.StaticConfig {
	return kernels.StaticConfig{
		RoughnessThreshold: o.RoughnessThreshold,
		TargetPdf:          o.TargetPdf,
		SceneDefines:       maps.Clone(sceneDefines),
	}
}
