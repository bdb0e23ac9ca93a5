package gpu

import (
	_ "embed"
	"fmt"
	"strings"
	"unicode"

	"github.com/gogpu/restir/internal/kernels"
)

//go:embed shaders/common.wgsl
var commonShaderSource string

//go:embed shaders/clear_grid.wgsl
var clearGridShaderSource string

//go:embed shaders/init_reservoirs.wgsl
var initReservoirsShaderSource string

//go:embed shaders/prefix_reduce.wgsl
var prefixReduceShaderSource string

//go:embed shaders/prefix_scan_blocks.wgsl
var prefixScanBlocksShaderSource string

//go:embed shaders/prefix_downsweep.wgsl
var prefixDownsweepShaderSource string

//go:embed shaders/scatter.wgsl
var scatterShaderSource string

//go:embed shaders/count_collisions.wgsl
var countCollisionsShaderSource string

//go:embed shaders/resample.wgsl
var resampleShaderSource string

//go:embed shaders/final_sample.wgsl
var finalSampleShaderSource string

// stageShaderSources holds the body of every stage, indexed by Stage.
var stageShaderSources = [StageCount]string{
	StageClearGrid:        clearGridShaderSource,
	StageInitReservoirs:   initReservoirsShaderSource,
	StagePrefixReduce:     prefixReduceShaderSource,
	StagePrefixScanBlocks: prefixScanBlocksShaderSource,
	StagePrefixDownsweep:  prefixDownsweepShaderSource,
	StageScatter:          scatterShaderSource,
	StageCountCollisions:  countCollisionsShaderSource,
	StageResample:         resampleShaderSource,
	StageFinalSample:      finalSampleShaderSource,
}

// defineHeader renders the static configuration as WGSL module constants.
// The two engine defines are typed; scene defines are emitted as abstract
// constants, and a define with an empty value becomes a boolean flag.
func defineHeader(cfg kernels.StaticConfig) (string, error) {
	defines := cfg.Defines()

	var b strings.Builder
	for _, name := range cfg.DefineNames() {
		v := defines[name]
		switch name {
		case kernels.DefineRoughnessThreshold:
			fmt.Fprintf(&b, "const %s: f32 = %s;\n", name, v)
		case kernels.DefineTargetPdf:
			fmt.Fprintf(&b, "const %s: u32 = %su;\n", name, v)
		default:
			if !isIdent(name) {
				return "", fmt.Errorf("gpu: invalid define name %q", name)
			}
			if v == "" {
				v = "true"
			}
			fmt.Fprintf(&b, "const %s = %s;\n", name, v)
		}
	}
	return b.String(), nil
}

// stageSource assembles the complete WGSL module of one stage.
func stageSource(stage Stage, header string) string {
	return header + "\n" + commonShaderSource + "\n" + stageShaderSources[stage]
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}
