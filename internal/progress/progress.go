// Package progress implements the pure-function progress model described in
// spec.md §4.7: raw-progress computation, the pre-success 0.999 clamp, and
// signal-provenance bookkeeping. It has no I/O and no mutable shared state;
// it is invoked from internal/engine/executor (per track) and
// internal/orchestrator (per job).
package progress

import (
	"math"

	"github.com/albumtovideo/core/pkg/report"
)

// PreSuccessCap is the maximum rawProgress/percent value emitted before the
// job reaches DONE (spec §4.7, §8 Invariant 1).
const PreSuccessCap = 0.999

// ClampJobExpectedWorkMs implements spec §4.6 step 3's WALLCLOCK expected-
// work formula:
//
//	clamp(max(7000, plannedJobTotalMs * 0.01), 2500, 20000)
//
// observedFirstSignalMs and avgBytesPerSec are threaded through the
// signature but intentionally unused: spec.md §9 Open Questions notes the
// source "ignores observedFirstSignalMs and avgBytesPerSec... and leaves the
// unused inputs as reserved parameters" (see DESIGN.md decision #1).
func ClampJobExpectedWorkMs(plannedJobTotalMs int64, observedFirstSignalMs int64, avgBytesPerSec float64) int64 {
	const floor = 7000
	const lowClamp = 2500
	const highClamp = 20000

	candidate := float64(plannedJobTotalMs) * 0.01
	if candidate < floor {
		candidate = floor
	}
	if candidate < lowClamp {
		candidate = lowClamp
	}
	if candidate > highClamp {
		candidate = highClamp
	}
	return int64(candidate)
}

// JobTotalForModel returns the denominator used by RawProgress for the given
// model, per spec §4.6 step 3: MEDIA uses plannedJobTotalMs (floor 7000ms);
// WALLCLOCK uses the clamped expected-work budget.
func JobTotalForModel(model report.ProgressModel, plannedJobTotalMs int64) int64 {
	if model == report.ModelMedia {
		if plannedJobTotalMs < 7000 {
			return 7000
		}
		return plannedJobTotalMs
	}
	return ClampJobExpectedWorkMs(plannedJobTotalMs, 0, 0)
}

// RawProgress computes doneMs/totalMs (MEDIA) or elapsedMs/expectedMs
// (WALLCLOCK), clamped to [0, 1]. Callers apply PreSuccessCap separately,
// since the cap only applies before the job succeeds (spec §4.7).
func RawProgress(doneMs, totalMs int64) float64 {
	if totalMs <= 0 {
		return 0
	}
	raw := float64(doneMs) / float64(totalMs)
	return math.Max(0, math.Min(1, raw))
}

// CapPreSuccess clamps raw to PreSuccessCap unless the job is already DONE.
func CapPreSuccess(raw float64, done bool) float64 {
	if done {
		return raw
	}
	if raw > PreSuccessCap {
		return PreSuccessCap
	}
	return raw
}

// SignalState tracks provenance across the life of a track, so that once a
// real signal has been observed, later "none" readings can upgrade to the
// last real signal instead of flickering back to none (spec §4.7: "Once
// any track has emitted a real signal, subsequent emissions may upgrade
// none -> time to avoid flicker").
type SignalState struct {
	everReal report.ProgressSignal
}

// Combine returns the provenance to publish for the latest (timeContributed,
// sizeContributed) observation, applying the no-flicker upgrade rule.
func (s *SignalState) Combine(timeContributed, sizeContributed bool) report.ProgressSignal {
	var latest report.ProgressSignal
	switch {
	case timeContributed && sizeContributed:
		latest = report.SignalBoth
	case timeContributed:
		latest = report.SignalTime
	case sizeContributed:
		latest = report.SignalSize
	default:
		latest = report.SignalNone
	}

	if latest != report.SignalNone {
		s.everReal = latest
		return latest
	}
	if s.everReal != "" {
		return s.everReal
	}
	return report.SignalNone
}

// HasRealSignal reports whether any real (non-none) signal has ever been
// observed on this track.
func (s *SignalState) HasRealSignal() bool {
	return s.everReal != ""
}
