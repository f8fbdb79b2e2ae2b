// Package cleanup implements the Cleanup Engine (C9): a never-rejecting,
// idempotent, one-shot teardown that kills the active subprocess tree,
// deletes tracked and scanned temporary/partial files, and removes the
// export folder when it is safe to do so. Grounded on
// tomtom215-lyrebirdaudio-go/internal/stream.Manager.stop() (SIGINT then
// timed force-kill) for the kill-tree half, generalized here to an
// idempotent shared future per spec.md §4.9 ("a single in-flight cleanup is
// shared by all callers").
package cleanup

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/albumtovideo/core/internal/engine/killtree"
	"github.com/albumtovideo/core/pkg/report"
)

// Logger is the minimal structured-event sink cleanup needs.
type Logger interface {
	Event(name string, fields map[string]any)
}

// Request describes everything one cleanup pass needs.
type Request struct {
	Reason             report.ReasonCode
	Handle             *killtree.Handle // nil if no subprocess is active
	Exited             <-chan struct{}
	KillTimeout        time.Duration
	CurrentPartial     string
	CurrentTmp         string
	TrackedPartials    []string
	TrackedTmps        []string
	ExportFolder       string
	CreatedExportFolder bool
	HadPreexistingContent bool
	PlannedFinals      []string
	CompletedFinals    []string
	ReportPath         string
	Logger             Logger
}

// Result tallies the cleanup outcome, per spec §4.9 step 4/5.
type Result struct {
	Counters        report.CleanupCounters
	WaitOutcome     killtree.WaitOutcome
}

// Engine runs exactly one cleanup pass across however many times Run is
// called concurrently, per spec §4.9: "a single in-flight cleanup is shared
// by all callers (one-shot future/promise)".
type Engine struct {
	once   sync.Once
	result Result
}

// Run executes (or joins) the shared cleanup pass. It never returns an
// error: any internal failure is swallowed and logged as
// cleanup.unhandled_error, per the contract "never rejects".
func (e *Engine) Run(req Request) Result {
	e.once.Do(func() {
		e.result = runOnce(req)
	})
	return e.result
}

func runOnce(req Request) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			logEvent(req.Logger, "cleanup.unhandled_error", map[string]any{"recovered": r})
		}
		logEvent(req.Logger, "cleanup.end", map[string]any{
			"deletedTmpCount":   result.Counters.DeletedTmpCount,
			"deletedFinalCount": result.Counters.DeletedFinalCount,
			"deleteFailedCount": result.Counters.DeleteFailedCount,
		})
	}()

	logEvent(req.Logger, "cleanup.start", map[string]any{"reason": req.Reason})

	result.WaitOutcome = killProcessTree(req)
	logEvent(req.Logger, "cleanup.ffmpeg_killed", map[string]any{"outcome": result.WaitOutcome})

	candidates := collectDeletionCandidates(req)

	var failedExamples []string
	for _, c := range candidates {
		err := os.Remove(c.path)
		switch {
		case err == nil || os.IsNotExist(err):
			if c.isFinal {
				result.Counters.DeletedFinalCount++
			} else {
				result.Counters.DeletedTmpCount++
			}
		default:
			result.Counters.DeleteFailedCount++
			if len(failedExamples) < 3 {
				failedExamples = append(failedExamples, c.path)
			}
			logEvent(req.Logger, "cleanup.delete_failed", map[string]any{"path": c.path, "err": err.Error()})
		}
	}
	result.Counters.DeleteFailedExamples = failedExamples

	removed, blockedReason := tryRemoveFolder(req)
	result.Counters.RemovedEmptyFolder = removed
	result.Counters.RemoveFolderBlockedReason = blockedReason
	if blockedReason != "" {
		logEvent(req.Logger, "cleanup.remove_folder_blocked", map[string]any{"reason": blockedReason})
	}

	return result
}

func killProcessTree(req Request) killtree.WaitOutcome {
	if req.Handle == nil {
		return killtree.OutcomeAlreadyExited
	}
	grace := req.KillTimeout
	if grace <= 0 {
		grace = 3 * time.Second
	}
	outcome := req.Handle.Kill(grace)
	if req.Exited != nil {
		logEvent(req.Logger, "cleanup.ffmpeg_wait", map[string]any{"outcome": outcome})
	}
	return outcome
}

type deletionCandidate struct {
	path    string
	isFinal bool
}

// collectDeletionCandidates implements spec §4.9 step 3.
func collectDeletionCandidates(req Request) []deletionCandidate {
	seen := make(map[string]struct{})
	var out []deletionCandidate

	add := func(path string, isFinal bool) {
		if path == "" {
			return
		}
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}
		out = append(out, deletionCandidate{path: path, isFinal: isFinal})
	}

	add(req.CurrentPartial, false)
	add(req.CurrentTmp, false)
	for _, p := range req.TrackedPartials {
		add(p, false)
	}
	for _, p := range req.TrackedTmps {
		add(p, false)
	}

	if req.ExportFolder != "" {
		entries, err := os.ReadDir(req.ExportFolder)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				name := e.Name()
				if strings.HasSuffix(name, ".partial") || strings.HasSuffix(name, ".tmp") || strings.Contains(name, ".tmp.") {
					add(filepath.Join(req.ExportFolder, name), false)
				}
			}
		}
	}

	if req.Reason == report.ReasonCancelled {
		for _, p := range req.PlannedFinals {
			add(p, true)
		}
		for _, p := range req.CompletedFinals {
			add(p, true)
		}
		add(req.ReportPath, true)
	}

	return out
}

// tryRemoveFolder implements spec §4.9 step 5 and the can_remove_output_
// folder boundary guards.
func tryRemoveFolder(req Request) (removed bool, blockedReason string) {
	if !req.CreatedExportFolder {
		return false, ""
	}
	if req.HadPreexistingContent {
		return false, "preexisting_user_content"
	}
	if blocked := boundaryBlockReason(req.ExportFolder); blocked != "" {
		return false, blocked
	}

	logsDir := filepath.Join(req.ExportFolder, "Logs")
	_ = removeIfEmpty(logsDir)
	if removeIfEmpty(req.ExportFolder) {
		return true, ""
	}
	return false, ""
}

func removeIfEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return false
	}
	return os.Remove(dir) == nil
}

// boundaryBlockReason implements can_remove_output_folder, spec §4.9.
// No selected base folder is consulted: any target without a Logs
// subdirectory is refused with "outside_base_and_missing_marker".
func boundaryBlockReason(path string) string {
	if path == "" || !filepath.IsAbs(path) {
		return "not_absolute"
	}
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		real = path
	}
	clean := filepath.Clean(real)

	if clean == string(filepath.Separator) {
		return "filesystem_root"
	}
	if home, err := os.UserHomeDir(); err == nil && clean == filepath.Clean(home) {
		return "home_directory"
	}
	if home, err := os.UserHomeDir(); err == nil && clean == filepath.Join(home, "Desktop") {
		return "desktop_directory"
	}

	rel := strings.TrimPrefix(clean, string(filepath.Separator))
	segments := strings.Split(rel, string(filepath.Separator))
	if len(segments) < 2 {
		return "path_too_shallow"
	}

	if _, err := os.Stat(filepath.Join(clean, "Logs")); err != nil {
		return "outside_base_and_missing_marker"
	}
	return ""
}

func logEvent(logger Logger, name string, fields map[string]any) {
	if logger != nil {
		logger.Event(name, fields)
	}
}
