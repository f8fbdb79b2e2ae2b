// Package orchestrator implements the Orchestrator (C11): it sequences the
// planner, engine FSM, track executor, finalizer, cleanup engine, and job
// ledger into the single render_album(payload) operation described in
// spec.md §4.11, and answers the rest of the control-surface RPC contract
// (pkg/rpc) that does not require a UI shell. Grounded on
// ArthurCRodrigues-transcode-worker's job-loop shape in cmd/worker/main.go
// and internal/transcoder.Execute (see DESIGN.md), generalized from a
// polling worker to a single-job sequencer owning one fsm.Machine.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/albumtovideo/core/internal/cleanup"
	"github.com/albumtovideo/core/internal/diagnostics"
	"github.com/albumtovideo/core/internal/engine/executor"
	"github.com/albumtovideo/core/internal/engine/fsm"
	"github.com/albumtovideo/core/internal/envinfo"
	"github.com/albumtovideo/core/internal/finalize"
	"github.com/albumtovideo/core/internal/integrity"
	"github.com/albumtovideo/core/internal/ledger"
	"github.com/albumtovideo/core/internal/logging"
	"github.com/albumtovideo/core/internal/pathsafe"
	"github.com/albumtovideo/core/internal/planner"
	"github.com/albumtovideo/core/internal/probe"
	"github.com/albumtovideo/core/internal/progress"
	"github.com/albumtovideo/core/pkg/report"
	"github.com/albumtovideo/core/pkg/rpc"
)

// Logger is the minimal structured-event sink the orchestrator needs.
type Logger interface {
	Event(name string, fields map[string]any)
}

// Settings holds the run-scoped knobs the orchestrator reads from
// configuration.
type Settings struct {
	ProbeTimeout       time.Duration
	WallTimeout        time.Duration
	WatchdogNoProgress time.Duration
	CleanupKillTimeout time.Duration
	LedgerDir          string
	AppLogDir          string
	AppVersion         string
}

// warmupTimeout bounds the one-shot transcoder warmup, per spec §4.11 step 3.
const warmupTimeout = 10 * time.Second

// Orchestrator sequences exactly one job at a time, per spec §5
// "exactly one job per process".
type Orchestrator struct {
	Registry   *planner.Registry
	Prober     *probe.Prober
	Integrity  integrity.Result
	Settings   Settings
	Logger     Logger
	DiagLogger *logging.Logger
	Sink       rpc.Sink

	cancel *executor.CancelSignal
}

// New builds an Orchestrator, verifying the binary integrity contract once
// up front: a hard mismatch without the diagnostics bypass is a fatal
// startup error, per spec §7 "Fatal at startup". diagLogger may be nil;
// it backs export-diagnostics's last-200-event tail and is otherwise
// unused, so callers that never export diagnostics can omit it.
func New(verifier *integrity.Verifier, registry *planner.Registry, settings Settings, logger Logger, diagLogger *logging.Logger, sink rpc.Sink) (*Orchestrator, error) {
	result, err := verifier.Verify()
	if err != nil {
		return nil, fmt.Errorf("binary integrity verification failed: %w", err)
	}

	prober := &probe.Prober{FFprobePath: result.FFprobePath, FFmpegPath: result.FFmpegPath}

	return &Orchestrator{
		Registry:   registry,
		Prober:     prober,
		Integrity:  result,
		Settings:   settings,
		Logger:     logger,
		DiagLogger: diagLogger,
		Sink:       sink,
		cancel:     &executor.CancelSignal{},
	}, nil
}

// ListPresets answers the list-presets control-surface call.
func (o *Orchestrator) ListPresets() []rpc.PresetSummary {
	out := make([]rpc.PresetSummary, 0)
	for _, key := range []string{"album_ep", "single_track", "playlist"} {
		p, ok := o.Registry.Get(key)
		if !ok {
			continue
		}
		out = append(out, rpc.PresetSummary{
			Key:               p.Key,
			Label:             p.Label,
			MaxTracks:         p.MaxTracks,
			PrefixTrackNumber: p.PrefixTrackNumber,
		})
	}
	return out
}

// ProbeAudio answers the probe-audio control-surface call.
func (o *Orchestrator) ProbeAudio(ctx context.Context, audioPath string) rpc.ProbeResult {
	res := o.Prober.Probe(ctx, audioPath, o.Settings.ProbeTimeout)
	return rpc.ProbeResult{
		OK:          res.OK,
		DurationSec: res.DurationSec,
		Method:      string(res.Method),
		StderrTail:  res.StderrTail,
	}
}

// CancelRender sets the shared cancellation flag, idempotently, per spec §6
// "cancel-render() -> true (idempotent; sets cancel flag)".
func (o *Orchestrator) CancelRender() bool {
	o.cancel.Set(report.ReasonCancelled)
	return true
}

// ReadMetadata answers the read-metadata control-surface call by delegating
// to the probe's ffprobe invocation for container-level tags (spec §6); no
// dedicated tag library is in scope (spec §1).
func (o *Orchestrator) ReadMetadata(ctx context.Context, audioPath string) rpc.Metadata {
	tags := o.Prober.ReadMetadata(ctx, audioPath, o.Settings.ProbeTimeout)
	md := rpc.Metadata{Artist: tags.Artist, Title: tags.Title, Album: tags.Album}
	if tags.HasTrackNo {
		n := tags.TrackNo
		md.TrackNo = &n
	}
	return md
}

// EnsureDir answers the ensure-dir control-surface call: create (or reuse)
// albumFolderName as a direct child of baseFolder, refusing anything that
// would resolve outside it (spec §6 "within selected base; refuses
// otherwise").
func (o *Orchestrator) EnsureDir(baseFolder, albumFolderName string) rpc.EnsureDirResult {
	base, err := pathsafe.CanonicalizeAbsolute(baseFolder, "selected base folder")
	if err != nil {
		return rpc.EnsureDirResult{Error: &rpc.ErrorInfo{Code: report.ReasonUncaught, Message: err.Error()}}
	}
	base, err = pathsafe.EnsureExistingDir(base, "selected base folder")
	if err != nil {
		return rpc.EnsureDirResult{Error: &rpc.ErrorInfo{Code: report.ReasonUncaught, Message: err.Error()}}
	}

	name := planner.SanitizeOutputBase(albumFolderName)
	target := filepath.Join(base.String(), name)
	targetSafe, err := pathsafe.CanonicalizeAbsolute(target, "album folder")
	if err != nil {
		return rpc.EnsureDirResult{Error: &rpc.ErrorInfo{Code: report.ReasonUncaught, Message: err.Error()}}
	}
	if !pathsafe.IsWithinBase(base, targetSafe) {
		return rpc.EnsureDirResult{Error: &rpc.ErrorInfo{Code: report.ReasonUncaught, Message: "album folder escapes selected base folder"}}
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return rpc.EnsureDirResult{Error: &rpc.ErrorInfo{Code: report.ReasonUncaught, Message: err.Error()}}
	}
	return rpc.EnsureDirResult{OK: true, AbsPath: target}
}

// OpenFolder answers the open-folder control-surface call. It refuses when
// any .partial file is still present (spec §6 "refuses if any .partial is
// present") — a sign the folder holds an in-progress or crashed render.
func (o *Orchestrator) OpenFolder(absPath string) rpc.OpenFolderResult {
	safe, err := pathsafe.CanonicalizeAbsolute(absPath, "folder")
	if err != nil {
		return rpc.OpenFolderResult{Error: &rpc.ErrorInfo{Code: report.ReasonUncaught, Message: err.Error()}}
	}
	safe, err = pathsafe.EnsureExistingDir(safe, "folder")
	if err != nil {
		return rpc.OpenFolderResult{Error: &rpc.ErrorInfo{Code: report.ReasonUncaught, Message: err.Error()}}
	}

	entries, err := os.ReadDir(safe.String())
	if err != nil {
		return rpc.OpenFolderResult{Error: &rpc.ErrorInfo{Code: report.ReasonUncaught, Message: err.Error()}}
	}
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".partial" {
			return rpc.OpenFolderResult{Error: &rpc.ErrorInfo{
				Code:    report.ReasonUncaught,
				Message: fmt.Sprintf("folder contains an in-progress partial file: %s", e.Name()),
			}}
		}
	}
	return rpc.OpenFolderResult{OK: true}
}

// ExportDiagnostics answers the export-diagnostics control-surface call:
// assemble a redacted bundle of the last 200 log events and write it under
// exportFolder/Logs (or the app log dir, if exportFolder is empty).
func (o *Orchestrator) ExportDiagnostics(exportFolder string) rpc.ExportDiagnosticsResult {
	dir := o.Settings.AppLogDir
	if exportFolder != "" {
		dir = filepath.Join(exportFolder, "Logs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return rpc.ExportDiagnosticsResult{}
	}

	bundle := diagnostics.Build("", o.DiagLogger, nil)
	path := filepath.Join(dir, "diagnostics.json")
	if err := diagnostics.Write(path, bundle); err != nil {
		return rpc.ExportDiagnosticsResult{}
	}
	o.logEvent("diagnostics.exported", map[string]any{"path": path})
	return rpc.ExportDiagnosticsResult{OK: true, DiagnosticsPath: path}
}

// jobContext carries the mutable state threaded through one render_album
// run, so RenderAlbum itself stays a readable top-to-bottom sequence.
type jobContext struct {
	plan           *report.Plan
	machine        *fsm.Machine
	rep            *report.RenderReport
	ledgerPath     string
	exportFolder   string
	createdFolder  bool
	hadPreexisting bool
	completedFinal []string
	startedAt      time.Time
}

// RenderAlbum implements spec §4.11's render_album(payload) sequence.
func (o *Orchestrator) RenderAlbum(ctx context.Context, payload rpc.RenderAlbumPayload) rpc.RenderAlbumResult {
	rpc.SendStatus(o.Sink, rpc.RenderStatusEvent{Phase: rpc.PhasePlanning})

	jc := &jobContext{rep: report.NewRenderReport(), startedAt: time.Now()}

	exportFolder, createdFolder, hadExisting, err := o.resolveExportFolder(payload)
	if err != nil {
		return o.fail(jc, report.ReasonUncaught, err.Error())
	}
	jc.exportFolder = exportFolder
	jc.createdFolder = createdFolder
	jc.hadPreexisting = hadExisting

	if !o.Integrity.RenderingAllowed() {
		return o.fail(jc, report.ReasonBinIntegrityBypass, report.UserMessage(report.ReasonBinIntegrityBypass))
	}

	imageSafe, err := o.validateImage(payload.ImagePath)
	if err != nil {
		return o.fail(jc, report.ReasonUncaught, err.Error())
	}

	plan, err := planner.Plan(ctx, o.Registry, o.Prober, planner.Request{
		ExportFolder: exportFolder,
		ImagePath:    imageSafe.String(),
		PresetKey:    payload.PresetKey,
		Inputs:       toPlannerInputs(payload.Tracks),
		ProbeTimeout: o.Settings.ProbeTimeout,
	})
	if err != nil {
		return o.failFromTyped(jc, err)
	}
	jc.plan = plan
	jc.rep.Plan = *plan

	env := envinfo.Gather()
	jc.rep.Environment = report.EnvironmentStamp{
		AppVersion:    o.Settings.AppVersion,
		RuntimeVersion: goRuntimeVersion(),
		FFmpegPath:    o.Integrity.FFmpegPath,
		FFprobePath:   o.Integrity.FFprobePath,
		FFmpegSHA256:  o.Integrity.FFmpegSHA256,
		FFprobeSHA256: o.Integrity.FFprobeSHA256,
		ContractKey:   o.Integrity.ContractKey,
		IntegrityOK:   o.Integrity.Mode == integrity.ModeOK,
		BypassUsed:    o.Integrity.BypassUsed,
		CPUModel:      env.CPUModel,
		TotalThreads:  env.TotalThreads,
		RAMFreeBytes:  env.RAMFreeBytes,
	}

	jc.machine = fsm.New(plan.JobID, o.observeTransition)

	warmupMS := o.warmup(ctx)
	jc.rep.Perf.FFmpegWarmupMS = warmupMS
	if err := jc.machine.Transition(fsm.WARMING_UP, nil); err != nil {
		return o.fail(jc, report.ReasonUncaught, err.Error())
	}
	if err := jc.machine.Transition(fsm.STARTING, nil); err != nil {
		return o.fail(jc, report.ReasonUncaught, err.Error())
	}
	if err := jc.machine.Transition(fsm.ENCODING, nil); err != nil {
		return o.fail(jc, report.ReasonUncaught, err.Error())
	}

	tmpPaths := make([]string, 0, len(plan.Tracks))
	finalPaths := make([]string, 0, len(plan.Tracks))
	for _, t := range plan.Tracks {
		tmpPaths = append(tmpPaths, t.PartialPath)
		finalPaths = append(finalPaths, t.OutputFinalPath)
	}
	ledgerPath, err := ledger.Create(o.Settings.LedgerDir, report.NewJobLedgerRecord(plan.JobID, exportFolder, tmpPaths, finalPaths))
	if err != nil {
		return o.fail(jc, report.ReasonUncaught, fmt.Sprintf("create job ledger: %v", err))
	}
	jc.ledgerPath = ledgerPath

	rpc.SendStatus(o.Sink, rpc.RenderStatusEvent{Phase: rpc.PhaseRendering})

	for i := range plan.Tracks {
		if reason := o.cancel.Reason(); reason != "" {
			return o.fail(jc, reason, report.UserMessage(reason))
		}

		trackReport, ferr := o.runTrack(ctx, jc, i)
		if ferr != nil {
			return o.failFromTyped(jc, ferr)
		}
		jc.rep.Tracks = append(jc.rep.Tracks, *trackReport)
		jc.completedFinal = append(jc.completedFinal, plan.Tracks[i].OutputFinalPath)
	}

	return o.finish(jc)
}

// runTrack implements spec §4.11 step 5: pre-unlink a stale partial, run the
// executor in copy mode, fall back to aac once on a compatibility marker,
// and validate the resulting partial.
func (o *Orchestrator) runTrack(ctx context.Context, jc *jobContext, idx int) (*report.TrackReport, error) {
	track := jc.plan.Tracks[idx]
	_ = os.Remove(track.PartialPath)

	audioSize := int64(0)
	if info, err := os.Stat(track.AudioPath); err == nil {
		audioSize = info.Size()
	}

	trackCount := len(jc.plan.Tracks)
	isLast := idx == trackCount-1

	req := executor.Request{
		JobID:               jc.plan.JobID,
		TrackIndex:          idx,
		FFmpegPath:          o.Integrity.FFmpegPath,
		ArgsBase:            track.FFmpegArgsBase,
		PartialPath:         track.PartialPath,
		AudioMode:           report.AudioModeCopy,
		DurationSec:         track.DurationSec,
		AudioInputSizeBytes: audioSize,
		PlannedJobTotalMs:   int64(track.DurationSec * 1000),
		WallTimeout:         o.Settings.WallTimeout,
		WatchdogNoProgress:  o.Settings.WatchdogNoProgress,
		IsLastTrack:         isLast,
		Cancel:              o.cancel,
		OnSnapshot: func(snap executor.Snapshot) {
			o.emitProgress(jc, idx, trackCount, track, snap)
		},
		Logger: o.Logger,
	}

	result, err := executor.Run(ctx, req)
	fallbackReason := ""
	audioMode := report.AudioModeCopy

	if err != nil {
		execErr, ok := err.(*executor.Error)
		if !ok || !execErr.AudioCopyRetry {
			return nil, err
		}

		o.logEvent("render.audio_copy_fallback", map[string]any{"jobId": jc.plan.JobID, "trackIndex": idx})
		_ = os.Remove(track.PartialPath)

		fallbackReason = firstMatchingStderrLine(execErr.StderrTail)
		audioMode = report.AudioModeAACFallback
		req.AudioMode = report.AudioModeAACFallback
		result, err = executor.Run(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	info, statErr := os.Stat(track.PartialPath)
	if statErr != nil || info.Size() == 0 || info.IsDir() {
		return nil, &executor.Error{Reason: report.ReasonFFmpegExitNonzero, Message: fmt.Sprintf("partial output missing or empty after track %d", idx)}
	}

	return &report.TrackReport{
		AudioPath:       track.AudioPath,
		OutputPath:      track.OutputFinalPath,
		StartTS:         result.StartTS,
		EndTS:           result.EndTS,
		DurationMS:      result.EndTS.Sub(result.StartTS).Milliseconds(),
		EncodeMS:        result.EncodeMS,
		SpawnMS:         result.SpawnMS,
		FirstWriteMS:    result.FirstWriteMS,
		FirstProgressMS: result.FirstProgressMS,
		ExitCode:        result.ExitCode,
		StderrTail:      result.StderrTail,
		AudioMode:       audioMode,
		FallbackReason:  fallbackReason,
		ProgressSignal:  result.ProgressSignal,
		ProgressModel:   result.ProgressModel,
	}, nil
}

// emitProgress translates a per-track executor snapshot into the
// render-progress streaming event, adding the job-level percentTotal
// aggregate across already-completed tracks (spec §6).
func (o *Orchestrator) emitProgress(jc *jobContext, idx, trackCount int, track report.PlannedTrack, snap executor.Snapshot) {
	if err := jc.machine.AssertCanEmitProgress(); err != nil {
		return
	}

	var completedMs int64
	for i := 0; i < idx; i++ {
		completedMs += int64(jc.plan.Tracks[i].DurationSec * 1000)
	}
	totalPlannedMs := int64(jc.plan.TotalDurationSec * 1000)
	jobDoneMs := completedMs + snap.JobDoneMs
	if jobDoneMs > totalPlannedMs {
		jobDoneMs = totalPlannedMs
	}
	rawTotal := progress.RawProgress(jobDoneMs, totalPlannedMs)
	percentTotal := progress.CapPreSuccess(rawTotal, false) * 100

	phase := rpc.TrackPhaseEncoding
	switch snap.Phase {
	case "FINALIZING":
		phase = rpc.TrackPhaseFinalizing
	case "PREPARING":
		phase = rpc.TrackPhasePreparing
	}

	rpc.SendProgress(o.Sink, rpc.RenderProgressEvent{
		TrackIndex:        idx,
		TrackCount:        trackCount,
		PercentTrack:      snap.PercentTrack,
		PercentTotal:      percentTotal,
		Indeterminate:     !snap.HasRealSignal,
		IsFinal:           snap.IsFinal,
		Phase:             phase,
		JobTotalMS:        snap.JobTotalMs,
		JobDoneMS:         snap.JobDoneMs,
		RawProgress:       progress.RawProgress(snap.JobDoneMs, snap.JobTotalMs),
		HasRealSignal:     snap.HasRealSignal,
		ProgressSignal:    snap.ProgressSignal,
		ProgressModel:     snap.ProgressModel,
		JobStartedAtMS:    jc.startedAt.UnixMilli(),
		JobElapsedMS:      time.Since(jc.startedAt).Milliseconds(),
		JobExpectedWorkMS: snap.JobExpectedWorkMs,
		AudioPath:         track.AudioPath,
		OutputPath:        track.OutputFinalPath,
	})
}

// finish implements spec §4.11 step 6: finalize, commit the ledger, and
// report success.
func (o *Orchestrator) finish(jc *jobContext) rpc.RenderAlbumResult {
	if err := jc.machine.Transition(fsm.FINALIZING, nil); err != nil {
		return o.fail(jc, report.ReasonUncaught, err.Error())
	}
	rpc.SendStatus(o.Sink, rpc.RenderStatusEvent{Phase: rpc.PhaseFinalizing})

	exportSafe, err := pathsafe.CanonicalizeAbsolute(jc.exportFolder, "export folder")
	if err != nil {
		return o.fail(jc, report.ReasonUncaught, err.Error())
	}

	o.logEvent("finalize.start", map[string]any{"jobId": jc.plan.JobID})

	o.logEvent("finalize.rename_outputs.start", nil)
	renamed, err := finalize.RenameOutputs(exportSafe, *jc.plan, o.Logger)
	if err != nil {
		o.logEvent("finalize.rename_outputs.end", map[string]any{"err": err.Error()})
		return o.fail(jc, classifyFinalizeErr(err), err.Error())
	}
	o.logEvent("finalize.rename_outputs.end", map[string]any{"renamed": len(renamed)})
	rendered := make([]string, 0, len(renamed))
	for _, r := range renamed {
		rendered = append(rendered, r.FinalPath)
	}

	jc.rep.Status = report.StatusSuccess
	jc.rep.Perf = computePerf(jc.rep.Tracks, jc.rep.Perf.FFmpegWarmupMS)
	jc.rep.CompletedAt = time.Now()

	o.logEvent("finalize.write_report.start", nil)
	reportPath, err := finalize.WriteReport(jc.rep, filepath.Join(jc.exportFolder, "Logs"), o.Settings.AppLogDir)
	if err != nil {
		o.logEvent("finalize.write_report.failed", map[string]any{"err": err.Error()})
	}
	o.logEvent("finalize.write_report.end", map[string]any{"path": reportPath})

	o.logEvent("finalize.cleanup.start", nil)
	if err := finalize.SweepStrayPartials(jc.exportFolder); err != nil {
		o.logEvent("finalize.cleanup.end", map[string]any{"err": err.Error()})
		return o.fail(jc, report.ReasonUncaught, err.Error())
	}
	o.logEvent("finalize.cleanup.end", nil)

	o.logEvent("finalize.summary", map[string]any{"rendered": len(rendered)})
	o.logEvent("finalize.end", nil)

	if err := jc.machine.Transition(fsm.DONE, nil); err != nil {
		return o.fail(jc, report.ReasonUncaught, err.Error())
	}

	if jc.ledgerPath != "" {
		_ = ledger.Complete(jc.ledgerPath, report.LedgerDone, "")
		_ = ledger.Unlink(jc.ledgerPath)
	}

	o.logEvent("render.success", map[string]any{"jobId": jc.plan.JobID})
	rpc.SendStatus(o.Sink, rpc.RenderStatusEvent{Phase: rpc.PhaseSuccess})

	return rpc.RenderAlbumResult{
		OK:           true,
		ExportFolder: jc.exportFolder,
		Rendered:     rendered,
		ReportPath:   reportPath,
	}
}

// failFromTyped classifies a typed error from planner/executor into a
// reason code and delegates to fail.
func (o *Orchestrator) failFromTyped(jc *jobContext, err error) rpc.RenderAlbumResult {
	switch e := err.(type) {
	case *planner.Error:
		return o.fail(jc, e.Reason, e.Message)
	case *executor.Error:
		return o.fail(jc, e.Reason, e.Message)
	case *finalize.Error:
		return o.fail(jc, e.Reason, e.Message)
	default:
		return o.fail(jc, report.ReasonUncaught, err.Error())
	}
}

// fail implements spec §4.11 step 7: classify by precedence (the shared
// cancel flag always wins over the thrown error's own reason), map to a
// job status, commit the terminal FSM state, write the report, run
// cleanup, and commit the ledger's terminal state.
func (o *Orchestrator) fail(jc *jobContext, reason report.ReasonCode, message string) rpc.RenderAlbumResult {
	if cancelReason := o.cancel.Reason(); cancelReason != "" {
		reason = cancelReason
	}
	status := report.StatusForReason(reason)

	terminal := fsm.FAILED
	if status == report.StatusCancelled {
		terminal = fsm.CANCELLED
	}
	if jc.machine != nil && !jc.machine.IsTerminal() {
		_ = jc.machine.Transition(terminal, map[string]any{"reason": reason})
	}

	jc.rep.Status = status
	jc.rep.ReasonCode = reason
	jc.rep.Message = report.UserMessage(reason)
	jc.rep.CompletedAt = time.Now()
	jc.rep.Perf = computePerf(jc.rep.Tracks, jc.rep.Perf.FFmpegWarmupMS)

	reportPath, _ := finalize.WriteReport(jc.rep, filepath.Join(jc.exportFolder, "Logs"), o.Settings.AppLogDir)

	var plannedFinals []string
	if jc.plan != nil {
		for _, t := range jc.plan.Tracks {
			plannedFinals = append(plannedFinals, t.OutputFinalPath)
		}
	}

	engine := &cleanup.Engine{}
	result := engine.Run(cleanup.Request{
		Reason:                reason,
		KillTimeout:           o.Settings.CleanupKillTimeout,
		ExportFolder:          jc.exportFolder,
		CreatedExportFolder:   jc.createdFolder,
		HadPreexistingContent: jc.hadPreexisting,
		PlannedFinals:         plannedFinals,
		CompletedFinals:       jc.completedFinal,
		ReportPath:            reportPath,
		Logger:                o.Logger,
	})
	jc.rep.Cleanup = result.Counters

	if jc.ledgerPath != "" {
		ledgerState := report.LedgerFailed
		if status == report.StatusCancelled {
			ledgerState = report.LedgerCancelled
		}
		_ = ledger.Complete(jc.ledgerPath, ledgerState, reason)
		_ = ledger.Unlink(jc.ledgerPath)
	}

	o.logEvent("render.failed", map[string]any{"reason": reason, "message": message})

	return rpc.RenderAlbumResult{
		OK:           false,
		ExportFolder: jc.exportFolder,
		ReportPath:   reportPath,
		Error:        &rpc.ErrorInfo{Code: reason, Message: jc.rep.Message},
	}
}

func classifyFinalizeErr(err error) report.ReasonCode {
	if fe, ok := err.(*finalize.Error); ok {
		return fe.Reason
	}
	return report.ReasonUncaught
}

func computePerf(tracks []report.TrackReport, warmupMS int64) report.PerfSummary {
	summary := report.PerfSummary{FFmpegWarmupMS: warmupMS}
	if len(tracks) == 0 {
		return summary
	}
	var total, min, max int64
	min = tracks[0].EncodeMS
	for _, t := range tracks {
		total += t.EncodeMS
		if t.EncodeMS < min {
			min = t.EncodeMS
		}
		if t.EncodeMS > max {
			max = t.EncodeMS
		}
	}
	summary.TotalEncodeMS = total
	summary.MinEncodeMS = min
	summary.MaxEncodeMS = max
	summary.AvgEncodeMS = float64(total) / float64(len(tracks))
	return summary
}

// warmup implements spec §4.11 step 3: a tiny null-source transcode with a
// hard 10s cap, timed regardless of outcome.
func (o *Orchestrator) warmup(ctx context.Context) int64 {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, o.Integrity.FFmpegPath,
		"-y", "-f", "lavfi", "-i", "anullsrc=r=8000:cl=mono", "-t", "0.05", "-f", "null", "-")
	err := cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	switch {
	case runCtx.Err() != nil:
		o.logEvent("ffmpeg.warmup.await_failed", map[string]any{"elapsedMs": elapsed})
	case err != nil:
		o.logEvent("ffmpeg.warmup.failed", map[string]any{"elapsedMs": elapsed, "err": err.Error()})
	default:
		o.logEvent("ffmpeg.warmup.done", map[string]any{"elapsedMs": elapsed})
	}
	return elapsed
}

func (o *Orchestrator) observeTransition(ev fsm.TransitionEvent) {
	o.logEvent("engine.state", map[string]any{"from": ev.From.String(), "to": ev.To.String(), "terminal": ev.Terminal})
}

func (o *Orchestrator) logEvent(name string, fields map[string]any) {
	if o.Logger != nil {
		o.Logger.Event(name, fields)
	}
}

func (o *Orchestrator) resolveExportFolder(payload rpc.RenderAlbumPayload) (path string, created bool, hadExisting bool, err error) {
	base, err := pathsafe.CanonicalizeAbsolute(payload.ExportFolder, "export folder")
	if err != nil {
		return "", false, false, err
	}
	base, err = pathsafe.EnsureExistingDir(base, "export folder")
	if err != nil {
		return "", false, false, err
	}
	if err := pathsafe.EnsureWritableDir(base); err != nil {
		return "", false, false, err
	}

	target := base.String()
	if payload.CreateAlbumFolder {
		name := planner.SanitizeOutputBase(payload.AlbumFolderName)
		target = filepath.Join(base.String(), name)
		if _, statErr := os.Stat(target); statErr == nil {
			entries, _ := os.ReadDir(target)
			hadExisting = len(entries) > 0
		} else {
			if mkErr := os.MkdirAll(target, 0o755); mkErr != nil {
				return "", false, false, fmt.Errorf("create album folder: %w", mkErr)
			}
			created = true
		}
	}
	return target, created, hadExisting, nil
}

func (o *Orchestrator) validateImage(imagePath string) (pathsafe.SafePath, error) {
	safe, err := pathsafe.CanonicalizeAbsolute(imagePath, "cover image")
	if err != nil {
		return pathsafe.SafePath{}, err
	}
	return pathsafe.EnsureExistingFile(safe, "cover image")
}

func toPlannerInputs(tracks []rpc.TrackInput) []planner.Input {
	out := make([]planner.Input, len(tracks))
	for i, t := range tracks {
		out[i] = planner.Input{AudioPath: t.AudioPath, OutputBase: t.OutputBase, TrackNo: t.TrackNo, HasTrackNo: t.HasTrackNo}
	}
	return out
}

func firstMatchingStderrLine(tail string) string {
	for _, line := range strings.Split(tail, "\n") {
		if line == "" || !executor.LineMatchesAudioCopyMarker(line) {
			continue
		}
		if len(line) > 240 {
			line = line[:240]
		}
		return line
	}
	return ""
}

func goRuntimeVersion() string {
	return goruntime.Version()
}
