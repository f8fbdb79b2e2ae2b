// Package planner implements the Render Planner (C4): preset policy,
// filename sanitization, output reservation, and per-track argument
// templates, per spec.md §4.4. Grounded on
// ArthurCRodrigues-transcode-worker's pkg/models.JobSpec/OutputSpec shape
// (per-output struct with Get* default-resolution helpers), generalized
// from HLS renditions to per-track MP4 outputs (see DESIGN.md).
package planner

import (
	"fmt"

	"github.com/albumtovideo/core/pkg/report"
)

// VideoArgsFunc produces the video-codec argument fragment for a preset. It
// is a function, never a static value, "to allow host-platform branching"
// per spec §3.
type VideoArgsFunc func() []string

// FilterGraphFunc produces the -vf filter-graph string for a preset, or an
// empty string if none is needed.
type FilterGraphFunc func() string

// EngineDescriptor groups a preset's codec/filter producers.
type EngineDescriptor struct {
	Video  VideoArgsFunc
	Filter FilterGraphFunc
}

// Preset is an immutable, keyed preset definition (spec §3).
type Preset struct {
	Key               string
	Label             string
	Ordering          report.Ordering
	PrefixTrackNumber bool
	MaxTracks         int // 0 means unbounded
	Engine            EngineDescriptor
}

// Unbounded reports whether the preset has no track-count cap.
func (p Preset) Unbounded() bool { return p.MaxTracks <= 0 }

// Registry is a keyed set of presets.
type Registry struct {
	presets map[string]Preset
}

// NewRegistry builds a registry from a slice of presets.
func NewRegistry(presets []Preset) (*Registry, error) {
	m := make(map[string]Preset, len(presets))
	for _, p := range presets {
		if p.Key == "" {
			return nil, fmt.Errorf("preset with empty key")
		}
		if _, exists := m[p.Key]; exists {
			return nil, fmt.Errorf("duplicate preset key %q", p.Key)
		}
		m[p.Key] = p
	}
	return &Registry{presets: m}, nil
}

// Get looks up a preset by key.
func (r *Registry) Get(key string) (Preset, bool) {
	p, ok := r.presets[key]
	return p, ok
}

// softwareVideoArgs is the default video-codec fragment: software H.264,
// reasonable quality, streamable output.
func softwareVideoArgs() []string {
	return []string{"-c:v", "libx264", "-pix_fmt", "yuv420p", "-preset", "medium", "-crf", "20"}
}

// DefaultRegistry returns the built-in preset table (the bundled YAML in
// presetyaml.go), used when no override file is configured.
func DefaultRegistry() *Registry {
	reg, err := LoadRegistry([]byte(defaultPresetYAML), "")
	if err != nil {
		panic(err) // bundled table is a programming error if this fails
	}
	return reg
}

// LoadRegistryFromFile builds a Registry from the bundled preset YAML,
// layering overridePath on top if it names an existing file (spec §3
// "loaded from a bundled YAML + override file").
func LoadRegistryFromFile(overridePath string) (*Registry, error) {
	return LoadRegistry([]byte(defaultPresetYAML), overridePath)
}
