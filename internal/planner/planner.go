package planner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/albumtovideo/core/internal/probe"
	"github.com/albumtovideo/core/pkg/report"
)

// Input is one audio file handed to the planner, alongside whatever track
// number its tags claimed (spec §4.4 step 1: planner never re-reads tags
// itself, the caller supplies what the UI already parsed).
type Input struct {
	AudioPath  string
	OutputBase string
	TrackNo    int
	HasTrackNo bool
}

// Request is everything the Render Planner needs to build a Plan.
type Request struct {
	ExportFolder string
	ImagePath    string
	PresetKey    string
	Inputs       []Input
	ProbeTimeout time.Duration
}

// Error is a planning failure tagged with the reason code the caller should
// surface, per spec §4.4's abort points.
type Error struct {
	Reason  report.ReasonCode
	Message string
}

func (e *Error) Error() string { return e.Message }

func newPlanError(reason report.ReasonCode, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

type orderedInput struct {
	Input
	inputIndex int
}

// Plan runs the full Render Planner pipeline of spec §4.4: resolve the
// preset, order tracks, probe durations, sanitize and reserve output names,
// and freeze each track's ffmpeg argument base.
func Plan(ctx context.Context, reg *Registry, prober *probe.Prober, req Request) (*report.Plan, error) {
	preset, ok := reg.Get(req.PresetKey)
	if !ok {
		return nil, newPlanError(report.ReasonUncaught, "unknown preset %q", req.PresetKey)
	}

	if !preset.Unbounded() && len(req.Inputs) > preset.MaxTracks {
		return nil, newPlanError(report.ReasonUncaught,
			"Preset %q supports up to %d track(s).", preset.Label, preset.MaxTracks)
	}

	ordered := orderInputs(req.Inputs, preset.Ordering)

	reservation := NewReservation(req.ExportFolder)
	now := time.Now()

	tracks := make([]report.PlannedTrack, 0, len(ordered))
	var totalDuration float64

	for _, in := range ordered {
		result := prober.Probe(ctx, in.AudioPath, req.ProbeTimeout)
		if !result.OK {
			return nil, newPlanError(report.ReasonProbeFailed,
				"could not read audio file %q: %s", in.AudioPath, result.StderrTail)
		}
		totalDuration += result.DurationSec

		base := SanitizeOutputBase(in.OutputBase)
		if preset.PrefixTrackNumber && in.HasTrackNo {
			base = fmt.Sprintf("%02d. %s", in.TrackNo, base)
		}
		outputPath := reservation.Reserve(base, now)

		tracks = append(tracks, report.PlannedTrack{
			AudioPath:       in.AudioPath,
			TrackNo:         in.TrackNo,
			HasTrackNo:      in.HasTrackNo,
			DurationSec:     result.DurationSec,
			OutputBase:      base,
			OutputFinalPath: outputPath,
			PartialPath:     outputPath + ".partial",
			FFmpegArgsBase:  BuildArgsBase(preset, req.ImagePath, in.AudioPath),
		})
	}

	orderingApplied := report.OrderingInput
	if allHaveTrackNo(req.Inputs) && preset.Ordering == report.OrderingTrackNoIfAllPresent {
		orderingApplied = report.OrderingTrackNoIfAllPresent
	}

	return &report.Plan{
		JobID:        uuid.NewString(),
		ExportFolder: req.ExportFolder,
		PresetKey:    preset.Key,
		PresetDecisions: report.PresetDecisions{
			PresetKey:         preset.Key,
			PresetLabel:       preset.Label,
			OrderingRequested: preset.Ordering,
			OrderingApplied:   orderingApplied,
			PrefixTrackNumber: preset.PrefixTrackNumber,
			MaxTracks:         preset.MaxTracks,
		},
		ImagePath:        req.ImagePath,
		TotalDurationSec: totalDuration,
		Tracks:           tracks,
	}, nil
}

// orderInputs applies spec §4.4 step 2: if the preset requests
// track_no_if_all_present AND every input carries a positive track number,
// sort by (track_no, input_index); otherwise preserve input order.
func orderInputs(inputs []Input, ordering report.Ordering) []orderedInput {
	indexed := make([]orderedInput, len(inputs))
	for i, in := range inputs {
		indexed[i] = orderedInput{Input: in, inputIndex: i}
	}

	if ordering != report.OrderingTrackNoIfAllPresent || !allHaveTrackNo(inputs) {
		return indexed
	}

	sort.SliceStable(indexed, func(i, j int) bool {
		if indexed[i].TrackNo != indexed[j].TrackNo {
			return indexed[i].TrackNo < indexed[j].TrackNo
		}
		return indexed[i].inputIndex < indexed[j].inputIndex
	})
	return indexed
}

func allHaveTrackNo(inputs []Input) bool {
	if len(inputs) == 0 {
		return false
	}
	for _, in := range inputs {
		if !in.HasTrackNo || in.TrackNo <= 0 {
			return false
		}
	}
	return true
}
