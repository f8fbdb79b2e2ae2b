// Package rpc defines the request/response and streaming-event contracts of
// the control surface described in spec.md §6. The desktop UI shell that
// calls these is out of scope (spec.md §1); this package only specifies the
// wire shapes and is implemented by internal/orchestrator.
package rpc

import "github.com/albumtovideo/core/pkg/report"

// PresetSummary is returned by list-presets.
type PresetSummary struct {
	Key               string `json:"key"`
	Label             string `json:"label"`
	MaxTracks         int    `json:"maxTracks,omitempty"`
	PrefixTrackNumber bool   `json:"prefixTrackNumber"`
}

// Metadata is the result of read-metadata.
type Metadata struct {
	Artist  string `json:"artist,omitempty"`
	Title   string `json:"title,omitempty"`
	Album   string `json:"album,omitempty"`
	TrackNo *int   `json:"trackNo,omitempty"`
}

// ProbeResult is the result of probe-audio.
type ProbeResult struct {
	OK          bool    `json:"ok"`
	DurationSec float64 `json:"durationSec,omitempty"`
	Method      string  `json:"method,omitempty"`
	StderrTail  string  `json:"stderrTail,omitempty"`
}

// TrackInput is one element of render-album's track list.
type TrackInput struct {
	AudioPath  string `json:"audioPath"`
	OutputBase string `json:"outputBase"`
	TrackNo    int    `json:"trackNo,omitempty"`
	HasTrackNo bool   `json:"hasTrackNo"`
}

// RenderAlbumPayload is the request body for render-album.
type RenderAlbumPayload struct {
	Tracks           []TrackInput `json:"tracks"`
	ImagePath        string       `json:"imagePath"`
	ExportFolder     string       `json:"exportFolder"`
	PresetKey        string       `json:"presetKey"`
	CreateAlbumFolder bool        `json:"createAlbumFolder"`
	AlbumFolderName   string      `json:"albumFolderName,omitempty"`
}

// ErrorInfo is the structured error payload on job failure.
type ErrorInfo struct {
	Code    report.ReasonCode `json:"code"`
	Message string            `json:"message"`
}

// RenderAlbumResult is the response body for render-album.
type RenderAlbumResult struct {
	OK             bool       `json:"ok"`
	ExportFolder   string     `json:"exportFolder"`
	Rendered       []string   `json:"rendered"`
	ReportPath     string     `json:"reportPath,omitempty"`
	DebugLogPath   string     `json:"debugLogPath,omitempty"`
	Error          *ErrorInfo `json:"error,omitempty"`
}

// RenderStatusPhase is the coarse phase carried by render-status events.
type RenderStatusPhase string

const (
	PhasePlanning    RenderStatusPhase = "planning"
	PhaseRendering   RenderStatusPhase = "rendering"
	PhaseFinalizing  RenderStatusPhase = "finalizing"
	PhaseSuccess     RenderStatusPhase = "success"
)

// RenderStatusEvent is the render-status streaming event.
type RenderStatusEvent struct {
	Phase RenderStatusPhase `json:"phase"`
}

// TrackPhase is the fine-grained phase carried by render-progress events.
type TrackPhase string

const (
	TrackPhasePreparing  TrackPhase = "PREPARING"
	TrackPhaseEncoding   TrackPhase = "ENCODING"
	TrackPhaseFinalizing TrackPhase = "FINALIZING"
)

// RenderProgressEvent is the render-progress streaming event, per spec §6.
type RenderProgressEvent struct {
	TrackIndex       int                   `json:"trackIndex"`
	TrackCount       int                   `json:"trackCount"`
	PercentTrack     float64               `json:"percentTrack"`
	PercentTotal     float64               `json:"percentTotal"`
	Indeterminate    bool                  `json:"indeterminate"`
	IsFinal          bool                  `json:"isFinal"`
	Phase            TrackPhase            `json:"phase"`
	JobTotalMS       int64                 `json:"jobTotalMs"`
	JobDoneMS        int64                 `json:"jobDoneMs"`
	RawProgress      float64               `json:"rawProgress"`
	HasRealSignal    bool                  `json:"hasRealSignal"`
	ProgressSignal   report.ProgressSignal `json:"progressSignal"`
	ProgressModel    report.ProgressModel  `json:"progressModel"`
	JobStartedAtMS   int64                 `json:"jobStartedAtMs"`
	JobElapsedMS     int64                 `json:"jobElapsedMs"`
	JobExpectedWorkMS int64                `json:"jobExpectedWorkMs"`
	AudioPath        string                `json:"audioPath,omitempty"`
	OutputPath       string                `json:"outputPath,omitempty"`
}

// ExportDiagnosticsResult is the response body for export-diagnostics.
type ExportDiagnosticsResult struct {
	OK              bool   `json:"ok"`
	DiagnosticsPath string `json:"diagnosticsPath,omitempty"`
}

// EnsureDirPayload is the request body for ensure-dir: create (or reuse) a
// named sub-folder of baseFolder, the session's selected base.
type EnsureDirPayload struct {
	BaseFolder      string `json:"baseFolder"`
	AlbumFolderName string `json:"albumFolderName"`
}

// EnsureDirResult is the response body for ensure-dir.
type EnsureDirResult struct {
	OK      bool       `json:"ok"`
	AbsPath string     `json:"absPath,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// OpenFolderResult is the response body for open-folder.
type OpenFolderResult struct {
	OK    bool       `json:"ok"`
	Error *ErrorInfo `json:"error,omitempty"`
}

// ExportDiagnosticsPayload is the request body for export-diagnostics.
type ExportDiagnosticsPayload struct {
	ExportFolder string `json:"exportFolder,omitempty"`
}

// Sink receives streaming events. A destroyed sink must be a safe no-op
// rather than panicking or erroring (spec §5, "renderer-IPC send safety").
type Sink interface {
	Alive() bool
	Status(RenderStatusEvent)
	Progress(RenderProgressEvent)
}

// SendStatus and SendProgress guard every outbound send with an Alive()
// check so a destroyed sink degrades to a no-op, per the "renderer-IPC send
// safety" contract in spec §5.
func SendStatus(s Sink, ev RenderStatusEvent) {
	if s == nil || !s.Alive() {
		return
	}
	s.Status(ev)
}

func SendProgress(s Sink, ev RenderProgressEvent) {
	if s == nil || !s.Alive() {
		return
	}
	s.Progress(ev)
}
