package report

import "time"

// Schema families and versions stamped into every persisted JSON artifact.
// Readers must check both before trusting a file's contents (Design Notes:
// "readers fail safely on missing or unknown schemas").
const (
	FamilyRenderReport = "renderReport"
	FamilyJobLedger    = "jobLedger"
	FamilyDiagnostics  = "diagnostics"

	RenderReportVersion = 1
	JobLedgerVersion    = 1
	DiagnosticsVersion  = 1
)

// Ordering is the preset ordering policy chosen while planning.
type Ordering string

const (
	OrderingInput             Ordering = "input"
	OrderingTrackNoIfAllPresent Ordering = "track_no_if_all_present"
)

// PresetDecisions records which ordering/prefix/max-tracks policy applied
// to a plan, and why.
type PresetDecisions struct {
	PresetKey         string   `json:"presetKey"`
	PresetLabel       string   `json:"presetLabel"`
	OrderingRequested Ordering `json:"orderingRequested"`
	OrderingApplied   Ordering `json:"orderingApplied"`
	PrefixTrackNumber bool     `json:"prefixTrackNumber"`
	MaxTracks         int      `json:"maxTracks,omitempty"`
}

// PlannedTrack mirrors the spec's "Planned Track" entity.
type PlannedTrack struct {
	AudioPath       string  `json:"audioPath"`
	TrackNo         int     `json:"trackNo,omitempty"`
	HasTrackNo      bool    `json:"hasTrackNo"`
	DurationSec     float64 `json:"durationSec"`
	OutputBase      string  `json:"outputBase"`
	OutputFinalPath string  `json:"outputFinalPath"`
	PartialPath     string  `json:"partialPath"`
	FFmpegArgsBase  []string `json:"-"`
}

// Plan mirrors the spec's "Plan" entity.
type Plan struct {
	JobID            string           `json:"jobId"`
	ExportFolder     string           `json:"exportFolder"`
	PresetKey        string           `json:"presetKey"`
	PresetDecisions  PresetDecisions  `json:"presetDecisions"`
	ImagePath        string           `json:"imagePath"`
	TotalDurationSec float64          `json:"totalDurationSec"`
	Tracks           []PlannedTrack   `json:"tracks"`
}

// AudioMode is the codec strategy used for a track's audio stream.
type AudioMode string

const (
	AudioModeCopy       AudioMode = "copy"
	AudioModeAACFallback AudioMode = "aac-fallback"
)

// ProgressSignal records which source most recently produced a progress
// update.
type ProgressSignal string

const (
	SignalNone ProgressSignal = "none"
	SignalTime ProgressSignal = "time"
	SignalSize ProgressSignal = "size"
	SignalBoth ProgressSignal = "both"
)

// ProgressModel selects how raw progress is computed for a track.
type ProgressModel string

const (
	ModelMedia     ProgressModel = "MEDIA"
	ModelWallclock ProgressModel = "WALLCLOCK"
)

// TrackReport captures the per-track outcome of the Track Executor.
type TrackReport struct {
	AudioPath       string        `json:"audioPath"`
	OutputPath      string        `json:"outputPath"`
	StartTS         time.Time     `json:"startTs"`
	EndTS           time.Time     `json:"endTs"`
	DurationMS      int64         `json:"durationMs"`
	EncodeMS        int64         `json:"encodeMs"`
	SpawnMS         int64         `json:"spawnMs"`
	FirstWriteMS    int64         `json:"firstWriteMs,omitempty"`
	FirstProgressMS int64         `json:"firstProgressMs,omitempty"`
	ExitCode        int           `json:"exitCode"`
	StderrTail      string        `json:"stderrTail,omitempty"`
	AudioMode       AudioMode     `json:"audioMode"`
	FallbackReason  string        `json:"fallbackReason,omitempty"`
	ProgressSignal  ProgressSignal `json:"progressSignal"`
	ProgressModel   ProgressModel  `json:"progressModel"`
}

// EnvironmentStamp records app/runtime/binary provenance in the render
// report.
type EnvironmentStamp struct {
	AppVersion      string `json:"appVersion"`
	RuntimeVersion  string `json:"runtimeVersion"`
	FFmpegPath      string `json:"ffmpegPath"`
	FFprobePath     string `json:"ffprobePath"`
	FFmpegSHA256    string `json:"ffmpegSha256"`
	FFprobeSHA256   string `json:"ffprobeSha256"`
	ContractKey     string `json:"contractKey"`
	IntegrityOK     bool   `json:"integrityOk"`
	BypassUsed      bool   `json:"bypassUsed"`
	CPUModel        string `json:"cpuModel,omitempty"`
	TotalThreads    int    `json:"totalThreads,omitempty"`
	RAMFreeBytes    uint64 `json:"ramFreeBytes,omitempty"`
}

// PerfSummary aggregates min/avg/max timing across all track reports.
type PerfSummary struct {
	TotalEncodeMS int64   `json:"totalEncodeMs"`
	MinEncodeMS   int64   `json:"minEncodeMs"`
	AvgEncodeMS   float64 `json:"avgEncodeMs"`
	MaxEncodeMS   int64   `json:"maxEncodeMs"`
	FFmpegWarmupMS int64  `json:"ffmpegWarmupMs"`
}

// CleanupCounters tallies the Cleanup Engine's outcome.
type CleanupCounters struct {
	DeletedTmpCount       int      `json:"deletedTmpCount"`
	DeletedFinalCount     int      `json:"deletedFinalCount"`
	DeleteFailedCount     int      `json:"deleteFailedCount"`
	DeleteFailedExamples  []string `json:"deleteFailedExamples,omitempty"`
	RemovedEmptyFolder    bool     `json:"removedEmptyFolder"`
	RemoveFolderBlockedReason string `json:"removeFolderBlockedReason,omitempty"`
}

// RenderReport is the schema-stamped aggregate written at job completion.
type RenderReport struct {
	SchemaFamily  string           `json:"schemaFamily"`
	SchemaVersion int              `json:"schemaVersion"`
	Environment   EnvironmentStamp `json:"environment"`
	Plan          Plan             `json:"plan"`
	Tracks        []TrackReport    `json:"tracks"`
	Status        JobStatus        `json:"status"`
	ReasonCode    ReasonCode       `json:"reasonCode,omitempty"`
	Message       string           `json:"message"`
	Cleanup       CleanupCounters  `json:"cleanup"`
	Perf          PerfSummary      `json:"perf"`
	CreatedAt     time.Time        `json:"createdAt"`
	CompletedAt   time.Time        `json:"completedAt"`
}

// NewRenderReport builds a report with the schema stamp already set.
func NewRenderReport() *RenderReport {
	return &RenderReport{
		SchemaFamily:  FamilyRenderReport,
		SchemaVersion: RenderReportVersion,
		CreatedAt:     time.Now(),
	}
}

// LedgerState is the lifecycle state of a Job Ledger record.
type LedgerState string

const (
	LedgerInProgress LedgerState = "IN_PROGRESS"
	LedgerDone       LedgerState = "DONE"
	LedgerFailed     LedgerState = "FAILED"
	LedgerCancelled  LedgerState = "CANCELLED"
)

// JobLedgerRecord is the schema-stamped on-disk crash-recovery manifest.
type JobLedgerRecord struct {
	SchemaFamily      string      `json:"schemaFamily"`
	SchemaVersion     int         `json:"schemaVersion"`
	JobID             string      `json:"jobId"`
	CreatedAt         time.Time   `json:"createdAt"`
	ExportFolder      string      `json:"exportFolder"`
	TmpPaths          []string    `json:"tmpPaths"`
	OutputFinalPaths  []string    `json:"outputFinalPaths"`
	LogPath           string      `json:"logPath,omitempty"`
	State             LedgerState `json:"state"`
	CleanupComplete   bool        `json:"cleanupComplete"`
	CompletedAt       time.Time   `json:"completedAt,omitempty"`
	ReasonCode        ReasonCode  `json:"reasonCode,omitempty"`
}

// NewJobLedgerRecord builds an IN_PROGRESS record with the schema stamp set.
func NewJobLedgerRecord(jobID, exportFolder string, tmpPaths, outputPaths []string) *JobLedgerRecord {
	return &JobLedgerRecord{
		SchemaFamily:     FamilyJobLedger,
		SchemaVersion:    JobLedgerVersion,
		JobID:            jobID,
		CreatedAt:        time.Now(),
		ExportFolder:     exportFolder,
		TmpPaths:         dedupeStrings(tmpPaths),
		OutputFinalPaths: dedupeStrings(outputPaths),
		State:            LedgerInProgress,
	}
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
