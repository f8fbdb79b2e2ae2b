package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/albumtovideo/core/internal/probe"
	"github.com/albumtovideo/core/pkg/report"
)

// writeFakeFFprobe writes a shell-script stand-in for ffprobe that always
// reports a fixed-duration audio stream, so planner tests never depend on a
// real ffprobe binary being installed.
func writeFakeFFprobe(t *testing.T, dir string, durationSec string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-ffprobe.sh")
	script := "#!/bin/sh\ncat <<EOF\n{\"format\":{\"duration\":\"" + durationSec + "\"},\"streams\":[{\"codec_type\":\"audio\",\"duration\":\"" + durationSec + "\"}]}\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeFakeFFprobeFailing(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-ffprobe-fail.sh")
	script := "#!/bin/sh\necho 'no such stream' 1>&2\nexit 1\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestProber(t *testing.T, dir, durationSec string) *probe.Prober {
	t.Helper()
	return &probe.Prober{FFprobePath: writeFakeFFprobe(t, dir, durationSec)}
}

func TestPlan_AlbumPreset_OrdersByTrackNumberAndReservesOutputs(t *testing.T) {
	dir := t.TempDir()
	prober := newTestProber(t, dir, "120.5")
	reg := DefaultRegistry()

	req := Request{
		ExportFolder: dir,
		ImagePath:    filepath.Join(dir, "cover.jpg"),
		PresetKey:    "album_ep",
		ProbeTimeout: time.Second,
		Inputs: []Input{
			{AudioPath: filepath.Join(dir, "b.mp3"), TrackNo: 2, HasTrackNo: true},
			{AudioPath: filepath.Join(dir, "a.mp3"), TrackNo: 1, HasTrackNo: true},
		},
	}

	plan, err := Plan(context.Background(), reg, prober, req)
	require.NoError(t, err)
	require.Len(t, plan.Tracks, 2)
	require.Equal(t, report.OrderingTrackNoIfAllPresent, plan.PresetDecisions.OrderingApplied)
	require.Equal(t, filepath.Join(dir, "a.mp3"), plan.Tracks[0].AudioPath)
	require.Equal(t, filepath.Join(dir, "b.mp3"), plan.Tracks[1].AudioPath)
	require.NotEqual(t, plan.Tracks[0].OutputFinalPath, plan.Tracks[1].OutputFinalPath)
	require.Equal(t, plan.Tracks[0].OutputFinalPath+".partial", plan.Tracks[0].PartialPath)
	require.InDelta(t, 241.0, plan.TotalDurationSec, 0.01)
	require.NotEmpty(t, plan.JobID)
}

func TestPlan_MissingTrackNumbersFallsBackToInputOrder(t *testing.T) {
	dir := t.TempDir()
	prober := newTestProber(t, dir, "10")
	reg := DefaultRegistry()

	req := Request{
		ExportFolder: dir,
		ImagePath:    filepath.Join(dir, "cover.jpg"),
		PresetKey:    "album_ep",
		ProbeTimeout: time.Second,
		Inputs: []Input{
			{AudioPath: filepath.Join(dir, "z.mp3")},
			{AudioPath: filepath.Join(dir, "a.mp3"), TrackNo: 1, HasTrackNo: true},
		},
	}

	plan, err := Plan(context.Background(), reg, prober, req)
	require.NoError(t, err)
	require.Equal(t, report.OrderingInput, plan.PresetDecisions.OrderingApplied)
	require.Equal(t, filepath.Join(dir, "z.mp3"), plan.Tracks[0].AudioPath)
	require.Equal(t, filepath.Join(dir, "a.mp3"), plan.Tracks[1].AudioPath)
}

func TestPlan_SingleTrackPresetRejectsTooManyInputs(t *testing.T) {
	dir := t.TempDir()
	prober := newTestProber(t, dir, "10")
	reg := DefaultRegistry()

	req := Request{
		ExportFolder: dir,
		ImagePath:    filepath.Join(dir, "cover.jpg"),
		PresetKey:    "single_track",
		ProbeTimeout: time.Second,
		Inputs: []Input{
			{AudioPath: filepath.Join(dir, "a.mp3")},
			{AudioPath: filepath.Join(dir, "b.mp3")},
		},
	}

	_, err := Plan(context.Background(), reg, prober, req)
	require.Error(t, err)
	var planErr *Error
	require.ErrorAs(t, err, &planErr)
	require.Equal(t, report.ReasonUncaught, planErr.Reason)
	require.Equal(t, `Preset "Single / Track" supports up to 1 track(s).`, planErr.Error())
}

func TestPlan_ProbeFailureAbortsWithProbeFailedReason(t *testing.T) {
	dir := t.TempDir()
	prober := &probe.Prober{FFprobePath: writeFakeFFprobeFailing(t, dir)}
	reg := DefaultRegistry()

	req := Request{
		ExportFolder: dir,
		ImagePath:    filepath.Join(dir, "cover.jpg"),
		PresetKey:    "album_ep",
		ProbeTimeout: time.Second,
		Inputs: []Input{
			{AudioPath: filepath.Join(dir, "a.mp3")},
		},
	}

	_, err := Plan(context.Background(), reg, prober, req)
	require.Error(t, err)
	var planErr *Error
	require.ErrorAs(t, err, &planErr)
	require.Equal(t, report.ReasonProbeFailed, planErr.Reason)
}

func TestPlan_UnknownPresetFails(t *testing.T) {
	dir := t.TempDir()
	prober := newTestProber(t, dir, "10")
	reg := DefaultRegistry()

	req := Request{
		ExportFolder: dir,
		PresetKey:    "does-not-exist",
		ProbeTimeout: time.Second,
		Inputs:       []Input{{AudioPath: filepath.Join(dir, "a.mp3")}},
	}

	_, err := Plan(context.Background(), reg, prober, req)
	require.Error(t, err)
}

func TestReservation_AvoidsCollisionsAndFallsBackToTimestamp(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Track.mp4"), []byte("x"), 0o644))

	r := NewReservation(dir)
	now := time.Now()
	first := r.Reserve("Track", now)
	require.Equal(t, filepath.Join(dir, "Track (2).mp4"), first)

	second := r.Reserve("Track", now)
	require.Equal(t, filepath.Join(dir, "Track (3).mp4"), second)
	require.NotEqual(t, first, second)
}
