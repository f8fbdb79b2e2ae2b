package planner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/albumtovideo/core/pkg/report"
)

// videoEngines maps a YAML preset's videoEngine name to the concrete
// argument-producing function. New engines are added here as they're
// introduced, not by branching in the loader.
var videoEngines = map[string]VideoArgsFunc{
	"software_h264": softwareVideoArgs,
}

// yamlPreset is the on-disk shape of one preset entry: a flat, declarative
// description of a Preset, since VideoArgsFunc/FilterGraphFunc can't be
// expressed in YAML directly.
type yamlPreset struct {
	Key               string `yaml:"key"`
	Label             string `yaml:"label"`
	Ordering          string `yaml:"ordering"`
	PrefixTrackNumber bool   `yaml:"prefixTrackNumber"`
	MaxTracks         int    `yaml:"maxTracks"`
	VideoEngine       string `yaml:"videoEngine"`
}

type yamlPresetFile struct {
	Presets []yamlPreset `yaml:"presets"`
}

// defaultPresetYAML is the bundled preset table, equivalent to the
// hard-coded defaults this loader replaced.
const defaultPresetYAML = `
presets:
  - key: album_ep
    label: "Album / EP"
    ordering: track_no_if_all_present
    prefixTrackNumber: true
    maxTracks: 0
    videoEngine: software_h264
  - key: single_track
    label: "Single / Track"
    ordering: input
    prefixTrackNumber: false
    maxTracks: 1
    videoEngine: software_h264
  - key: playlist
    label: "Playlist"
    ordering: input
    prefixTrackNumber: true
    maxTracks: 0
    videoEngine: software_h264
`

func (p yamlPreset) toPreset() (Preset, error) {
	if p.Key == "" {
		return Preset{}, fmt.Errorf("preset entry missing key")
	}
	video, ok := videoEngines[p.VideoEngine]
	if !ok {
		return Preset{}, fmt.Errorf("preset %q: unknown videoEngine %q", p.Key, p.VideoEngine)
	}
	ordering := report.Ordering(p.Ordering)
	if ordering != report.OrderingInput && ordering != report.OrderingTrackNoIfAllPresent {
		return Preset{}, fmt.Errorf("preset %q: unknown ordering %q", p.Key, p.Ordering)
	}
	return Preset{
		Key:               p.Key,
		Label:             p.Label,
		Ordering:          ordering,
		PrefixTrackNumber: p.PrefixTrackNumber,
		MaxTracks:         p.MaxTracks,
		Engine:            EngineDescriptor{Video: video},
	}, nil
}

// ParsePresetYAML decodes one preset file into Preset values.
func ParsePresetYAML(data []byte) ([]Preset, error) {
	var file yamlPresetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse preset yaml: %w", err)
	}
	out := make([]Preset, 0, len(file.Presets))
	for _, yp := range file.Presets {
		p, err := yp.toPreset()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// LoadRegistry builds a Registry from the bundled preset YAML, layering an
// optional override file on top by key: an override entry replaces the
// bundled entry with the same key, and any override-only key is added.
// overridePath may be empty or point to a file that doesn't exist, in
// which case only the bundled table is used.
func LoadRegistry(bundled []byte, overridePath string) (*Registry, error) {
	base, err := ParsePresetYAML(bundled)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]Preset, len(base))
	order := make([]string, 0, len(base))
	for _, p := range base {
		merged[p.Key] = p
		order = append(order, p.Key)
	}

	if overridePath != "" {
		data, err := os.ReadFile(overridePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read preset override file: %w", err)
			}
		} else {
			overrides, err := ParsePresetYAML(data)
			if err != nil {
				return nil, err
			}
			for _, p := range overrides {
				if _, exists := merged[p.Key]; !exists {
					order = append(order, p.Key)
				}
				merged[p.Key] = p
			}
		}
	}

	presets := make([]Preset, 0, len(order))
	for _, key := range order {
		presets = append(presets, merged[key])
	}
	return NewRegistry(presets)
}
