package finalize

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/albumtovideo/core/internal/pathsafe"
	"github.com/albumtovideo/core/pkg/report"
)

func TestRenameOutputs_MovesPartialToFinal(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "track1.mp4.partial")
	final := filepath.Join(dir, "track1.mp4")
	require.NoError(t, os.WriteFile(partial, []byte("data"), 0o644))

	exportFolder, err := pathsafe.CanonicalizeAbsolute(dir, "export")
	require.NoError(t, err)

	plan := report.Plan{
		Tracks: []report.PlannedTrack{
			{PartialPath: partial, OutputFinalPath: final},
		},
	}

	results, err := RenameOutputs(exportFolder, plan, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].SlowPath)
	require.FileExists(t, final)
	require.NoFileExists(t, partial)
}

func TestRenameOutputs_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "track1.mp4.partial")
	final := filepath.Join(dir, "track1.mp4")
	require.NoError(t, os.WriteFile(partial, []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(final, []byte("existing"), 0o644))

	exportFolder, err := pathsafe.CanonicalizeAbsolute(dir, "export")
	require.NoError(t, err)
	plan := report.Plan{Tracks: []report.PlannedTrack{{PartialPath: partial, OutputFinalPath: final}}}

	_, err = RenameOutputs(exportFolder, plan, nil)
	require.Error(t, err)
	var fErr *Error
	require.ErrorAs(t, err, &fErr)
	require.Equal(t, report.ReasonUncaught, fErr.Reason)
}

func TestRenameOutputs_RejectsEmptyPartial(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "track1.mp4.partial")
	final := filepath.Join(dir, "track1.mp4")
	require.NoError(t, os.WriteFile(partial, []byte(""), 0o644))

	exportFolder, err := pathsafe.CanonicalizeAbsolute(dir, "export")
	require.NoError(t, err)
	plan := report.Plan{Tracks: []report.PlannedTrack{{PartialPath: partial, OutputFinalPath: final}}}

	_, err = RenameOutputs(exportFolder, plan, nil)
	require.Error(t, err)
	var fErr *Error
	require.ErrorAs(t, err, &fErr)
	require.Equal(t, report.ReasonFFmpegExitNonzero, fErr.Reason)
}

func TestSweepStrayPartials_FailsWhenPartialsRemain(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover.mp4.partial"), []byte("x"), 0o644))

	err := SweepStrayPartials(dir)
	require.Error(t, err)
}

func TestSweepStrayPartials_PassesWhenClean(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "final.mp4"), []byte("x"), 0o644))

	require.NoError(t, SweepStrayPartials(dir))
}

func TestWriteReport_SuccessGoesToExportLogs(t *testing.T) {
	dir := t.TempDir()
	exportLogs := filepath.Join(dir, "export", "Logs")
	appLogs := filepath.Join(dir, "app-logs")

	rep := report.NewRenderReport()
	rep.Status = report.StatusSuccess
	rep.CompletedAt = time.Now()

	path, err := WriteReport(rep, exportLogs, appLogs)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(exportLogs, "render-report.json"), path)
	require.FileExists(t, path)
}

func TestWriteReport_FailureGoesToAppLogDir(t *testing.T) {
	dir := t.TempDir()
	exportLogs := filepath.Join(dir, "export", "Logs")
	appLogs := filepath.Join(dir, "app-logs")

	rep := report.NewRenderReport()
	rep.Status = report.StatusFailed
	rep.ReasonCode = report.ReasonFFmpegExitNonzero

	path, err := WriteReport(rep, exportLogs, appLogs)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(appLogs, "render-report.json"), path)
}
