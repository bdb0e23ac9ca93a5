// Package config loads restir options and demo settings from YAML and
// reloads them when the file changes.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/restir"
)

// Target pdf names accepted in files.
const (
	TargetIncoming = "incoming"
	TargetOutgoing = "outgoing"
)

// Config is the root of a configuration file.
type Config struct {
	ReSTIR ReSTIR `yaml:"restir" json:"restir"`
	Demo   Demo   `yaml:"demo" json:"demo"`
}

// ReSTIR holds the engine options and construction settings.
type ReSTIR struct {
	NormalThreshold    float32 `yaml:"normalThreshold" json:"normalThreshold" validate:"gte=0,lte=1"`
	DepthThreshold     float32 `yaml:"depthThreshold" json:"depthThreshold" validate:"gte=0,lte=1"`
	SceneGridDimension uint32  `yaml:"sceneGridDimension" json:"sceneGridDimension" validate:"gte=1,lte=300"`
	RoughnessThreshold float32 `yaml:"roughnessThreshold" json:"roughnessThreshold" validate:"gte=0,lte=1.2"`
	TargetPdf          string  `yaml:"targetPdf" json:"targetPdf" validate:"oneof=incoming outgoing"`
	NumInstances       uint32  `yaml:"numInstances" json:"numInstances" validate:"gte=1,lte=6"`

	// Construction settings; changing them needs a restart.
	GridCapacity         int    `yaml:"gridCapacity" json:"gridCapacity" validate:"gte=0"`
	MaxSpatialCandidates int    `yaml:"maxSpatialCandidates" json:"maxSpatialCandidates" validate:"gte=0,lte=32"`
	HistoryLimit         uint32 `yaml:"historyLimit" json:"historyLimit" validate:"gte=1"`
	TemporalReuse        bool   `yaml:"temporalReuse" json:"temporalReuse"`
	Workers              int    `yaml:"workers" json:"workers" validate:"gte=0"`
}

// Demo holds the settings of the demo command.
type Demo struct {
	Width  uint32 `yaml:"width" json:"width" validate:"gte=1,lte=8192"`
	Height uint32 `yaml:"height" json:"height" validate:"gte=1,lte=8192"`
	Frames int    `yaml:"frames" json:"frames" validate:"gte=1"`

	// Scale upsamples the written image.
	Scale int `yaml:"scale" json:"scale" validate:"gte=1,lte=16"`

	// Output is the PNG path; empty disables writing.
	Output string `yaml:"output" json:"output"`

	Listen   string `yaml:"listen" json:"listen" validate:"omitempty,hostname_port"`
	LogLevel string `yaml:"logLevel" json:"logLevel" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	o := restir.DefaultOptions()
	return Config{
		ReSTIR: ReSTIR{
			NormalThreshold:      o.NormalThreshold,
			DepthThreshold:       o.DepthThreshold,
			SceneGridDimension:   o.SceneGridDimension,
			RoughnessThreshold:   o.RoughnessThreshold,
			TargetPdf:            TargetIncoming,
			NumInstances:         o.NumInstances,
			MaxSpatialCandidates: 8,
			HistoryLimit:         20,
			TemporalReuse:        true,
		},
		Demo: Demo{
			Width:    160,
			Height:   90,
			Frames:   16,
			Scale:    4,
			Listen:   "127.0.0.1:9464",
			LogLevel: "info",
		},
	}
}

var validate = validator.New()

// Validate checks every field against its range.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Parse decodes YAML over the defaults and validates the result. Keys
// missing from data keep their default values.
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	c.ReSTIR.TargetPdf = strings.ToLower(strings.TrimSpace(c.ReSTIR.TargetPdf))
	c.Demo.LogLevel = strings.ToLower(strings.TrimSpace(c.Demo.LogLevel))
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Marshal encodes c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Options returns the engine options described by c.
func (c Config) Options() restir.Options {
	r := c.ReSTIR
	tp := restir.IncomingRadiance
	if r.TargetPdf == TargetOutgoing {
		tp = restir.OutgoingRadiance
	}
	return restir.Options{
		NormalThreshold:    r.NormalThreshold,
		DepthThreshold:     r.DepthThreshold,
		SceneGridDimension: r.SceneGridDimension,
		RoughnessThreshold: r.RoughnessThreshold,
		TargetPdf:          tp,
		NumInstances:       r.NumInstances,
	}
}

// PassOptions returns the construction options described by c.
func (c Config) PassOptions() []restir.PassOption {
	r := c.ReSTIR
	return []restir.PassOption{
		restir.WithWorkers(r.Workers),
		restir.WithGridCapacity(r.GridCapacity),
		restir.WithMaxSpatialCandidates(r.MaxSpatialCandidates),
		restir.WithHistoryLimit(r.HistoryLimit),
		restir.WithTemporalReuse(r.TemporalReuse),
	}
}

// Level returns the slog level named by Demo.LogLevel.
func (c Config) Level() slog.Level {
	switch c.Demo.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
