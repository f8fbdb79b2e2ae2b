package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/albumtovideo/core/internal/integrity"
	"github.com/albumtovideo/core/internal/planner"
	"github.com/albumtovideo/core/pkg/report"
	"github.com/albumtovideo/core/pkg/rpc"
)

// writeFakeFFmpeg writes a shell-script stand-in for ffmpeg: a warmup
// invocation (last arg "-") exits immediately; any other invocation treats
// its last argument as the partial output path, writes a few bytes to it
// (runTrack rejects an empty partial), and emits a
// progress stream ending in "progress=end".
func writeFakeFFmpeg(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-ffmpeg.sh")
	script := "#!/bin/sh\n" +
		"for arg in \"$@\"; do last=\"$arg\"; done\n" +
		"if [ \"$last\" = \"-\" ]; then exit 0; fi\n" +
		"echo data > \"$last\"\n" +
		"echo 'out_time_ms=500000'\n" +
		"echo 'speed=1.0x'\n" +
		"echo 'out_time_ms=1000000'\n" +
		"echo 'progress=end'\n" +
		"exit 0\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func writeFakeFFprobe(t *testing.T, dir, durationSec string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-ffprobe.sh")
	script := "#!/bin/sh\ncat <<EOF\n{\"format\":{\"duration\":\"" + durationSec + "\"},\"streams\":[{\"codec_type\":\"audio\",\"duration\":\"" + durationSec + "\"}]}\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// recordingSink collects every streamed event for test assertions; it is
// always alive, since no test exercises a destroyed-sink no-op here.
type recordingSink struct {
	mu       sync.Mutex
	statuses []rpc.RenderStatusEvent
	progress []rpc.RenderProgressEvent
}

func (s *recordingSink) Alive() bool { return true }

func (s *recordingSink) Status(ev rpc.RenderStatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, ev)
}

func (s *recordingSink) Progress(ev rpc.RenderProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, ev)
}

func (s *recordingSink) phases() []rpc.RenderStatusPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]rpc.RenderStatusPhase, len(s.statuses))
	for i, ev := range s.statuses {
		out[i] = ev.Phase
	}
	return out
}

type nullLogger struct{}

func (nullLogger) Event(string, map[string]any) {}

func newTestOrchestrator(t *testing.T, dir string) *Orchestrator {
	t.Helper()
	ffmpeg := writeFakeFFmpeg(t, dir)
	ffprobe := writeFakeFFprobe(t, dir, "12.0")

	verifier := &integrity.Verifier{
		Contract: integrity.Contract{},
		LookupFallback: func(name string) (string, error) {
			switch name {
			case "ffmpeg":
				return ffmpeg, nil
			case "ffprobe":
				return ffprobe, nil
			}
			return "", os.ErrNotExist
		},
	}

	ledgerDir := filepath.Join(dir, "ledgers")
	appLogDir := filepath.Join(dir, "logs")

	orch, err := New(verifier, planner.DefaultRegistry(), Settings{
		ProbeTimeout:       time.Second,
		WallTimeout:        5 * time.Second,
		WatchdogNoProgress: 5 * time.Second,
		CleanupKillTimeout: time.Second,
		LedgerDir:          ledgerDir,
		AppLogDir:          appLogDir,
		AppVersion:         "test",
	}, nullLogger{}, nil, &recordingSink{})
	require.NoError(t, err)
	return orch
}

func writeFixtureFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("fixture"), 0o644))
}

func TestRenderAlbum_SingleTrackSucceeds(t *testing.T) {
	dir := t.TempDir()
	exportDir := filepath.Join(dir, "export")
	require.NoError(t, os.MkdirAll(exportDir, 0o755))

	imagePath := filepath.Join(dir, "cover.jpg")
	audioPath := filepath.Join(dir, "track1.mp3")
	writeFixtureFile(t, imagePath)
	writeFixtureFile(t, audioPath)

	orch := newTestOrchestrator(t, dir)
	sink := &recordingSink{}
	orch.Sink = sink

	result := orch.RenderAlbum(context.Background(), rpc.RenderAlbumPayload{
		Tracks:       []rpc.TrackInput{{AudioPath: audioPath}},
		ImagePath:    imagePath,
		ExportFolder: exportDir,
		PresetKey:    "single_track",
	})

	require.True(t, result.OK, "result: %+v", result)
	require.Len(t, result.Rendered, 1)
	require.FileExists(t, result.Rendered[0])
	require.FileExists(t, result.ReportPath)

	var rep report.RenderReport
	data, err := os.ReadFile(result.ReportPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rep))
	require.Equal(t, report.StatusSuccess, rep.Status)
	require.Len(t, rep.Tracks, 1)

	entries, err := os.ReadDir(filepath.Join(exportDir, "Logs"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	phases := sink.phases()
	require.Contains(t, phases, rpc.PhasePlanning)
	require.Contains(t, phases, rpc.PhaseRendering)
	require.Contains(t, phases, rpc.PhaseFinalizing)
	require.Contains(t, phases, rpc.PhaseSuccess)
}

func TestRenderAlbum_UnknownPresetFails(t *testing.T) {
	dir := t.TempDir()
	exportDir := filepath.Join(dir, "export")
	require.NoError(t, os.MkdirAll(exportDir, 0o755))
	imagePath := filepath.Join(dir, "cover.jpg")
	audioPath := filepath.Join(dir, "track1.mp3")
	writeFixtureFile(t, imagePath)
	writeFixtureFile(t, audioPath)

	orch := newTestOrchestrator(t, dir)

	result := orch.RenderAlbum(context.Background(), rpc.RenderAlbumPayload{
		Tracks:       []rpc.TrackInput{{AudioPath: audioPath}},
		ImagePath:    imagePath,
		ExportFolder: exportDir,
		PresetKey:    "does_not_exist",
	})

	require.False(t, result.OK)
	require.NotNil(t, result.Error)
	require.Equal(t, report.ReasonUncaught, result.Error.Code)
}

func TestRenderAlbum_CancelBeforeFirstTrackReportsCancelled(t *testing.T) {
	dir := t.TempDir()
	exportDir := filepath.Join(dir, "export")
	require.NoError(t, os.MkdirAll(exportDir, 0o755))
	imagePath := filepath.Join(dir, "cover.jpg")
	audioPath := filepath.Join(dir, "track1.mp3")
	writeFixtureFile(t, imagePath)
	writeFixtureFile(t, audioPath)

	orch := newTestOrchestrator(t, dir)
	orch.CancelRender()

	result := orch.RenderAlbum(context.Background(), rpc.RenderAlbumPayload{
		Tracks:       []rpc.TrackInput{{AudioPath: audioPath}},
		ImagePath:    imagePath,
		ExportFolder: exportDir,
		PresetKey:    "single_track",
	})

	require.False(t, result.OK)
	require.Equal(t, report.ReasonCancelled, result.Error.Code)

	entries, err := os.ReadDir(filepath.Join(dir, "ledgers"))
	require.NoError(t, err)
	require.Empty(t, entries, "ledger must be unlinked once the job reaches a terminal state")
}

func TestListPresets_ReturnsAllThreePresets(t *testing.T) {
	dir := t.TempDir()
	orch := newTestOrchestrator(t, dir)

	presets := orch.ListPresets()
	require.Len(t, presets, 3)

	keys := make(map[string]bool)
	for _, p := range presets {
		keys[p.Key] = true
	}
	require.True(t, keys["album_ep"])
	require.True(t, keys["single_track"])
	require.True(t, keys["playlist"])
}

func TestProbeAudio_UsesFFprobe(t *testing.T) {
	dir := t.TempDir()
	orch := newTestOrchestrator(t, dir)

	audioPath := filepath.Join(dir, "a.mp3")
	writeFixtureFile(t, audioPath)

	res := orch.ProbeAudio(context.Background(), audioPath)
	require.True(t, res.OK)
	require.InDelta(t, 12.0, res.DurationSec, 0.01)
}

func TestCancelRender_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	orch := newTestOrchestrator(t, dir)

	require.True(t, orch.CancelRender())
	require.True(t, orch.CancelRender())
	require.Equal(t, report.ReasonCancelled, orch.cancel.Reason())
}
