// Package ledger implements the Job Ledger (C10): a schema-stamped,
// atomically-written crash-recovery manifest, plus the startup recovery
// scan that cleans up after a process that died mid-job. Grounded on
// ManuGH-xg2g's use of github.com/google/renameio/v2 for atomic state
// writes, combined with the teacher's schema-less job-result shape
// generalized into a {family,version}-stamped record (see DESIGN.md).
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/renameio/v2"

	"github.com/albumtovideo/core/pkg/report"
)

// Logger is the minimal structured-event sink ledger needs.
type Logger interface {
	Event(name string, fields map[string]any)
}

// PathFor deterministically names the ledger file for a job, so recovery
// can find it by globbing the ledger directory.
func PathFor(ledgerDir, jobID string) string {
	return filepath.Join(ledgerDir, fmt.Sprintf("job-%s.ledger.json", jobID))
}

// Create writes an IN_PROGRESS ledger record via atomic replace, per spec
// §4.10 "create_ledger".
func Create(ledgerDir string, rec *report.JobLedgerRecord) (string, error) {
	if err := os.MkdirAll(ledgerDir, 0o755); err != nil {
		return "", fmt.Errorf("create ledger dir: %w", err)
	}
	path := PathFor(ledgerDir, rec.JobID)
	if err := writeAtomic(path, rec); err != nil {
		return "", fmt.Errorf("write ledger: %w", err)
	}
	return path, nil
}

// Complete rewrites the ledger with a terminal state, per spec §4.10
// "complete_ledger". The caller is responsible for unlinking afterward.
func Complete(path string, state report.LedgerState, reasonCode report.ReasonCode) error {
	rec, err := read(path)
	if err != nil {
		return fmt.Errorf("read ledger for completion: %w", err)
	}
	rec.State = state
	rec.CleanupComplete = true
	rec.CompletedAt = time.Now()
	rec.ReasonCode = reasonCode
	return writeAtomic(path, rec)
}

// Unlink removes the ledger file; a missing file is not an error.
func Unlink(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func writeAtomic(path string, rec *report.JobLedgerRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		if errors.Is(err, syscall.EXDEV) {
			return writeViaCopy(path, data)
		}
		return err
	}
	return nil
}

// writeViaCopy is the cross-device fallback for Create/Complete, per spec
// §4.10 "if rename fails with cross-device, copy+unlink (leaving no temp
// behind)".
func writeViaCopy(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.tmp-%d-%d", path, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			_ = os.Remove(tmp)
			return err
		}
		copyErr := os.WriteFile(path, data, 0o644)
		_ = os.Remove(tmp)
		return copyErr
	}
	return nil
}

func read(path string) (*report.JobLedgerRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec report.JobLedgerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// RecoverySummary is returned by Recover, per spec §4.10's closing summary.
type RecoverySummary struct {
	ScannedLedgers          int
	InProgressDetected      int
	CleanedLedgers          int
	InvalidLedgers          int
	DeletedTmpCount         int
	BlockedOutsideBaseCount int
}

// Recover implements recover_in_progress, spec §4.10 steps 1-5: scan up to
// maxLedgers ledger files, validate schema, and clean up in-progress ones'
// tracked temp/partial paths before unlinking the ledger itself.
func Recover(ledgerDir string, maxLedgers int, logger Logger) (RecoverySummary, error) {
	var summary RecoverySummary

	entries, err := os.ReadDir(ledgerDir)
	if err != nil {
		if os.IsNotExist(err) {
			return summary, nil
		}
		return summary, fmt.Errorf("list ledger dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ledger.json") {
			continue
		}
		if count >= maxLedgers {
			break
		}
		count++
		summary.ScannedLedgers++

		path := filepath.Join(ledgerDir, e.Name())
		rec, err := read(path)
		if err != nil {
			summary.InvalidLedgers++
			logEvent(logger, "job.recovery.detected", map[string]any{"valid": false, "path": path})
			continue
		}

		if rec.SchemaFamily != report.FamilyJobLedger {
			logEvent(logger, "schema.missing", map[string]any{"path": path})
			summary.InvalidLedgers++
			continue
		}
		if rec.SchemaVersion != report.JobLedgerVersion {
			logEvent(logger, "schema.unsupported", map[string]any{"path": path, "version": rec.SchemaVersion})
			summary.InvalidLedgers++
			continue
		}

		if rec.State != report.LedgerInProgress {
			_ = Unlink(path)
			continue
		}
		summary.InProgressDetected++

		deleted, blocked := cleanLedgerCandidates(rec)
		summary.DeletedTmpCount += deleted
		summary.BlockedOutsideBaseCount += blocked
		summary.CleanedLedgers++

		safeRmdirIfEmpty(rec.ExportFolder)

		logEvent(logger, "job.recovery.cleaned", map[string]any{
			"jobId":        rec.JobID,
			"deletedCount": deleted,
			"blockedCount": blocked,
		})
		_ = Unlink(path)
	}

	return summary, nil
}

// cleanLedgerCandidates implements spec §4.10 step 4.
func cleanLedgerCandidates(rec *report.JobLedgerRecord) (deleted, blocked int) {
	exportFolder, err := filepath.Abs(rec.ExportFolder)
	if err != nil {
		return 0, 0
	}

	candidates := append([]string{}, rec.TmpPaths...)
	for _, final := range rec.OutputFinalPaths {
		if !strings.HasSuffix(final, ".partial") {
			candidates = append(candidates, final+".partial")
		}
	}

	for _, c := range candidates {
		abs, err := filepath.Abs(c)
		if err != nil {
			continue
		}
		if !hasRecognizedTempSuffix(abs) {
			continue
		}
		rel, err := filepath.Rel(exportFolder, abs)
		if err != nil || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
			blocked++
			continue
		}
		info, statErr := os.Lstat(abs)
		if statErr != nil || !info.Mode().IsRegular() {
			continue
		}
		if os.Remove(abs) == nil {
			deleted++
		}
	}
	return deleted, blocked
}

func hasRecognizedTempSuffix(path string) bool {
	return strings.HasSuffix(path, ".partial") || strings.HasSuffix(path, ".tmp") || strings.Contains(path, ".tmp.")
}

// safeRmdirIfEmpty removes dir only if it contains no entries, per spec
// §4.10 step 4's "safe_rmdir_if_empty".
func safeRmdirIfEmpty(dir string) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(dir)
}

func logEvent(logger Logger, name string, fields map[string]any) {
	if logger != nil {
		logger.Event(name, fields)
	}
}
