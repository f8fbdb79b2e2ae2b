// Package diagnostics assembles a support bundle for a failed or cancelled
// job: the render report, the last 200 structured log events, and host
// environment facts, with user/home path segments redacted. It optionally
// makes a best-effort upload, grounded on
// ArthurCRodrigues-transcode-worker/internal/client.OrchestratorClient's
// go-retryablehttp usage, simplified from the bidirectional job-sync
// protocol to one POST request retried at most twice.
package diagnostics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/albumtovideo/core/internal/logging"
	"github.com/albumtovideo/core/pkg/report"
)

// Bundle is the schema-stamped diagnostics artifact.
type Bundle struct {
	SchemaFamily  string          `json:"schemaFamily"`
	SchemaVersion int             `json:"schemaVersion"`
	JobID         string          `json:"jobId"`
	CreatedAt     time.Time       `json:"createdAt"`
	Report        *report.RenderReport `json:"report,omitempty"`
	Events        []logging.Event `json:"events"`
	EventsTruncated bool          `json:"eventsTruncated"`
}

// redactionPatterns implements the path redaction rules named in spec §6:
// "/Users/<name>/" -> "/Users/{USER}/", "C:\Users\<name>\" -> "C:\Users\{USER}\",
// "/Volumes/<name>/" -> "/Volumes/{VOLUME}/".
var redactionPatterns = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`/Users/[^/]+/`), "/Users/{USER}/"},
	{regexp.MustCompile(`C:\\Users\\[^\\]+\\`), `C:\Users\{USER}\`},
	{regexp.MustCompile(`/Volumes/[^/]+/`), "/Volumes/{VOLUME}/"},
}

// Redact applies the path redaction rules to s.
func Redact(s string) string {
	out := s
	for _, p := range redactionPatterns {
		out = p.pattern.ReplaceAllString(out, p.replace)
	}
	return out
}

func redactReport(rep *report.RenderReport) *report.RenderReport {
	if rep == nil {
		return nil
	}
	clone := *rep
	clone.Environment.FFmpegPath = Redact(rep.Environment.FFmpegPath)
	clone.Environment.FFprobePath = Redact(rep.Environment.FFprobePath)
	clone.Plan.ExportFolder = Redact(rep.Plan.ExportFolder)
	clone.Plan.ImagePath = Redact(rep.Plan.ImagePath)
	clone.Message = Redact(rep.Message)

	tracks := make([]report.TrackReport, len(rep.Tracks))
	for i, tr := range rep.Tracks {
		tr.AudioPath = Redact(tr.AudioPath)
		tr.OutputPath = Redact(tr.OutputPath)
		tr.StderrTail = Redact(tr.StderrTail)
		tracks[i] = tr
	}
	clone.Tracks = tracks

	plannedTracks := make([]report.PlannedTrack, len(rep.Plan.Tracks))
	for i, pt := range rep.Plan.Tracks {
		pt.AudioPath = Redact(pt.AudioPath)
		pt.OutputFinalPath = Redact(pt.OutputFinalPath)
		pt.PartialPath = Redact(pt.PartialPath)
		pt.FFmpegArgsBase = nil
		plannedTracks[i] = pt
	}
	clone.Plan.Tracks = plannedTracks

	return &clone
}

func redactEvents(events []logging.Event) []logging.Event {
	out := make([]logging.Event, len(events))
	for i, e := range events {
		fields := make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			if s, ok := v.(string); ok {
				fields[k] = Redact(s)
				continue
			}
			fields[k] = v
		}
		out[i] = logging.Event{Name: e.Name, Fields: fields, Time: e.Time}
	}
	return out
}

// Build assembles a redacted diagnostics bundle from the current log
// ring buffer and an optional render report.
func Build(jobID string, logger *logging.Logger, rep *report.RenderReport) *Bundle {
	var events []logging.Event
	truncated := false
	if logger != nil {
		events, truncated = logger.RecentEvents()
	}

	return &Bundle{
		SchemaFamily:    report.FamilyDiagnostics,
		SchemaVersion:   report.DiagnosticsVersion,
		JobID:           jobID,
		CreatedAt:       time.Now(),
		Report:          redactReport(rep),
		Events:          redactEvents(events),
		EventsTruncated: truncated,
	}
}

// Write marshals the bundle to path as indented JSON.
func Write(path string, bundle *Bundle) error {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal diagnostics bundle: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Uploader makes a best-effort POST of a diagnostics bundle, retried at most
// twice by the retryablehttp client. Upload failures are returned as errors
// for the caller to log; jobs must never fail because diagnostics upload
// failed.
type Uploader struct {
	url        string
	httpClient *retryablehttp.Client
}

// NewUploader returns an Uploader for url, or nil if url is empty
// (diagnostics upload is disabled by default; spec.md names no mandatory
// telemetry endpoint).
func NewUploader(url string) *Uploader {
	if url == "" {
		return nil
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	return &Uploader{url: url, httpClient: rc}
}

// Upload POSTs the bundle, with up to two retries. Failures are returned
// to the caller to log, never to abort the job.
func (u *Uploader) Upload(bundle *Bundle) error {
	if u == nil {
		return nil
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal diagnostics bundle for upload: %w", err)
	}

	req, err := retryablehttp.NewRequest("POST", u.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build diagnostics upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("diagnostics upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("diagnostics upload returned status %d", resp.StatusCode)
	}
	return nil
}
