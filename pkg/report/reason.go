// Package report defines the schema-stamped JSON artifacts shared across the
// orchestrator: the render report, the job ledger record, and the closed set
// of reason codes both of them carry.
package report

// ReasonCode is the closed set of canonical job termination reasons.
type ReasonCode string

const (
	ReasonCancelled        ReasonCode = "CANCELLED"
	ReasonTimeout          ReasonCode = "TIMEOUT"
	ReasonWatchdogTimeout  ReasonCode = "WATCHDOG_TIMEOUT"
	ReasonFFmpegExitNonzero ReasonCode = "FFMPEG_EXIT_NONZERO"
	ReasonProbeFailed      ReasonCode = "PROBE_FAILED"
	ReasonBinIntegrityBypass ReasonCode = "BIN_INTEGRITY_BYPASS"
	ReasonUncaught         ReasonCode = "UNCAUGHT"
)

// UserMessage returns the deterministic user-facing message for a reason
// code, per spec §7. Unknown codes fall back to the UNCAUGHT message.
func UserMessage(code ReasonCode) string {
	switch code {
	case ReasonCancelled:
		return "Export cancelled."
	case ReasonTimeout, ReasonWatchdogTimeout:
		return "Export timed out. Try fewer tracks or shorter files, then export again."
	case ReasonProbeFailed:
		return "One or more audio files could not be read. Re-add the file or convert it to WAV, MP3, or M4A."
	case ReasonFFmpegExitNonzero:
		return "Encoding failed for at least one track. Try again, or enable debug logging for details."
	case ReasonBinIntegrityBypass:
		return "Integrity bypass is active (diagnostics mode). Rendering is disabled until packaging is fixed."
	default:
		return "An unexpected error occurred during export."
	}
}

// JobStatus is the user-visible terminal status of a job.
type JobStatus string

const (
	StatusSuccess   JobStatus = "SUCCESS"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
	StatusTimeout   JobStatus = "TIMEOUT"
)

// StatusForReason maps a reason code to its user-visible job status, per
// spec §4.11 step 7: "WATCHDOG_TIMEOUT maps to user-visible status TIMEOUT".
func StatusForReason(code ReasonCode) JobStatus {
	switch code {
	case ReasonCancelled:
		return StatusCancelled
	case ReasonTimeout, ReasonWatchdogTimeout:
		return StatusTimeout
	case "":
		return StatusSuccess
	default:
		return StatusFailed
	}
}
