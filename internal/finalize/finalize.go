// Package finalize implements the Finalizer (C8): validates each track's
// partial output, renames it to its final path with a cross-device
// fallback, sweeps stray partials, and writes the render report. Grounded
// on ArthurCRodrigues-transcode-worker/internal/transcoder.Execute's "Move
// Files from Temp to Final Destination" step (os.Rename per output),
// generalized to add the no-overwrite guard and the EXDEV copy+verify+
// unlink fallback the teacher's same-filesystem NAS move never needed.
package finalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/albumtovideo/core/internal/pathsafe"
	"github.com/albumtovideo/core/pkg/report"
)

// Logger is the minimal structured-event sink finalize needs.
type Logger interface {
	Event(name string, fields map[string]any)
}

// RenamedTrack records which path a planned track ended up at, and whether
// the slow cross-device copy path was used.
type RenamedTrack struct {
	FinalPath string
	SlowPath  bool
}

// Error is a typed finalize failure.
type Error struct {
	Reason  report.ReasonCode
	Message string
}

func (e *Error) Error() string { return e.Message }

func newErr(reason report.ReasonCode, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// RenameOutputs implements spec §4.8 steps 2-3 for every planned track, in
// plan order.
func RenameOutputs(exportFolder pathsafe.SafePath, plan report.Plan, logger Logger) ([]RenamedTrack, error) {
	results := make([]RenamedTrack, 0, len(plan.Tracks))
	for _, track := range plan.Tracks {
		info, err := os.Stat(track.PartialPath)
		if err != nil || info.Size() == 0 || info.IsDir() {
			return nil, newErr(report.ReasonFFmpegExitNonzero, "partial output missing or empty: %s", track.PartialPath)
		}

		partialSafe, err := pathsafe.CanonicalizeAbsolute(track.PartialPath, "partial output")
		if err != nil {
			return nil, newErr(report.ReasonUncaught, "partial path invalid: %v", err)
		}
		finalSafe, err := pathsafe.CanonicalizeAbsolute(track.OutputFinalPath, "final output")
		if err != nil {
			return nil, newErr(report.ReasonUncaught, "final path invalid: %v", err)
		}
		if !pathsafe.IsWithinBase(exportFolder, partialSafe) || !pathsafe.IsWithinBase(exportFolder, finalSafe) {
			return nil, newErr(report.ReasonUncaught, "output path escapes export folder: %s", track.OutputFinalPath)
		}

		if _, statErr := os.Stat(track.OutputFinalPath); statErr == nil {
			return nil, newErr(report.ReasonUncaught, "final output already exists: %s", track.OutputFinalPath)
		}

		slow, err := renameOrCopy(track.PartialPath, track.OutputFinalPath)
		if err != nil {
			return nil, newErr(report.ReasonUncaught, "move %s: %v", track.PartialPath, err)
		}
		if logger != nil {
			logger.Event("finalize.rename_outputs.method", map[string]any{"slowPath": slow, "path": track.OutputFinalPath})
		}
		results = append(results, RenamedTrack{FinalPath: track.OutputFinalPath, SlowPath: slow})
	}
	return results, nil
}

// renameOrCopy implements spec §4.8 step 3: attempt a same-filesystem
// rename; on EXDEV, copy then verify then unlink.
func renameOrCopy(src, dst string) (slowPath bool, err error) {
	if err := os.Rename(src, dst); err == nil {
		return false, nil
	} else if !errors.Is(err, syscall.EXDEV) {
		return false, err
	}

	if err := copyFile(src, dst); err != nil {
		return true, err
	}
	info, err := os.Stat(dst)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return true, fmt.Errorf("copied final is not a non-empty regular file: %s", dst)
	}
	if err := os.Remove(src); err != nil {
		return true, fmt.Errorf("unlink partial after copy: %w", err)
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

// SweepStrayPartials implements spec §4.8 step 5: any remaining .partial
// file in the export folder after the rename pass is a hard failure.
func SweepStrayPartials(exportFolder string) error {
	entries, err := os.ReadDir(exportFolder)
	if err != nil {
		return newErr(report.ReasonUncaught, "sweep export folder: %v", err)
	}
	var stray []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".partial" {
			stray = append(stray, e.Name())
		}
	}
	if len(stray) > 0 {
		return newErr(report.ReasonUncaught, "stray partial files remain after finalize: %v", stray)
	}
	return nil
}

// WriteReport writes the schema-stamped render report, per spec §4.8 step 4:
// to "<export>/Logs/render-report.json" on success, or to appLogDir
// otherwise.
func WriteReport(rep *report.RenderReport, exportLogsDir, appLogDir string) (string, error) {
	dir := appLogDir
	if rep.Status == report.StatusSuccess {
		dir = exportLogsDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", newErr(report.ReasonUncaught, "create log dir %s: %v", dir, err)
	}
	path := filepath.Join(dir, "render-report.json")
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", newErr(report.ReasonUncaught, "marshal render report: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", newErr(report.ReasonUncaught, "write render report: %v", err)
	}
	return path, nil
}
