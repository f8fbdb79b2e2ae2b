// Package executor implements the Track Executor (C6): it spawns the
// transcoder for exactly one track, parses its "-progress pipe:1" key=value
// stream, fuses a time-based signal with a size-based fallback, enforces a
// watchdog and a wall-clock timeout, and returns a structured result or a
// typed error. Grounded on
// ArthurCRodrigues-transcode-worker/internal/transcoder.Execute's
// stderr-scanner-goroutine/doneCh shape (see DESIGN.md), generalized from
// regex time= parsing to the -progress pipe:1 protocol and from one done
// channel to an errgroup-coordinated set of goroutines.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/albumtovideo/core/internal/engine/killtree"
	"github.com/albumtovideo/core/internal/progress"
	"github.com/albumtovideo/core/pkg/report"
)

// audioCopyMarkers are stderr substrings that indicate the container/codec
// rejected an audio-copy attempt and should be retried in AAC mode, per
// spec §4.6 "Exit handling".
var audioCopyMarkers = []string{
	"could not find tag for codec",
	"codec not currently supported in container",
	"error initializing output stream",
	"could not write header",
	"tag mp4a",
	"invalid argument",
}

const (
	stderrTailCap  = 64 * 1024
	pollInterval   = 500 * time.Millisecond
	sizeStaleAfter = 1500 * time.Millisecond
	sizeMinAfter   = 800 * time.Millisecond
	minWallTimeout = 10 * time.Second
	killGrace      = 3 * time.Second
)

// Request is everything the executor needs to render one track.
type Request struct {
	JobID               string
	TrackIndex          int
	FFmpegPath          string
	ArgsBase            []string
	PartialPath         string
	AudioMode           report.AudioMode
	DurationSec         float64
	AudioInputSizeBytes int64
	PlannedJobTotalMs   int64
	WallTimeout         time.Duration
	WatchdogNoProgress  time.Duration // 0 disables the watchdog
	IsLastTrack         bool
	Cancel              *CancelSignal
	OnSnapshot          func(Snapshot)
	Logger              Logger
}

// Logger receives structured events. It matches the same narrow shape used
// throughout this module (see internal/orchestrator.Logger) so a single
// logger value threads through every component without adapters.
type Logger interface {
	Event(name string, fields map[string]any)
}

func logEvent(logger Logger, name string, fields map[string]any) {
	if logger == nil {
		return
	}
	logger.Event(name, fields)
}

// CancelSignal is a single shared flag, set by the orchestrator and
// observed by the executor, per spec §4.6 "Cancellation".
type CancelSignal struct {
	mu     sync.Mutex
	reason report.ReasonCode
}

// Set records reason as the cancellation cause, if not already set.
func (c *CancelSignal) Set(reason report.ReasonCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" {
		c.reason = reason
	}
}

// Reason returns the recorded cancellation reason, or "" if unset.
func (c *CancelSignal) Reason() report.ReasonCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Snapshot is one progress payload, per spec §4.6 step 7.
type Snapshot struct {
	PercentTrack      float64
	PercentTotal      float64
	JobTotalMs        int64
	JobDoneMs         int64
	Phase             string
	ProgressSignal    report.ProgressSignal
	ProgressModel     report.ProgressModel
	JobStartedAtMs    int64
	JobElapsedMs      int64
	JobExpectedWorkMs int64
	HasRealSignal     bool
	IsFinal           bool
}

// Error is a typed executor failure tagged with a reason code.
type Error struct {
	Reason        report.ReasonCode
	Message       string
	StderrTail    string
	AudioCopyRetry bool
}

func (e *Error) Error() string { return e.Message }

func newErr(reason report.ReasonCode, format string, args ...any) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Result is a successful track outcome, per spec §4.6 "Zero exit returns a
// structured track result".
type Result struct {
	ExitCode        int
	StderrTail      string
	StartTS         time.Time
	EndTS           time.Time
	SpawnMS         int64
	EncodeMS        int64
	FirstWriteMS    int64
	FirstProgressMS int64
	ProgressSignal  report.ProgressSignal
	ProgressModel   report.ProgressModel
}

type trackState struct {
	mu                sync.Mutex
	lastOutTimeMs     int64
	trackMaxOutTimeMs int64
	lastOutTimeUpdate time.Time
	speedEWMA         float64
	firstWriteMs      int64
	firstProgressMs   int64
	signals           progress.SignalState
}

// Run spawns the transcoder, supervises it to completion, and returns a
// Result or a typed Error. It never panics on transcoder misbehavior.
func Run(ctx context.Context, req Request) (Result, error) {
	if !strings.HasSuffix(req.PartialPath, ".partial") {
		return Result{}, newErr(report.ReasonUncaught, "output path %q does not end in .partial", req.PartialPath)
	}
	if req.DurationSec <= 0 {
		return Result{}, newErr(report.ReasonProbeFailed, "planned duration for track %d is not positive", req.TrackIndex)
	}

	model := report.ModelMedia
	if req.AudioMode == report.AudioModeCopy {
		model = report.ModelWallclock
	}
	jobTotalMs := progress.JobTotalForModel(model, req.PlannedJobTotalMs)

	wallTimeout := req.WallTimeout
	if wallTimeout < minWallTimeout {
		wallTimeout = minWallTimeout
	}

	args := append(append([]string{}, req.ArgsBase...), audioArgs(req.AudioMode)...)
	args = append(args, "-movflags", "+faststart", "-shortest",
		"-progress", "pipe:1", "-nostats", "-f", "mp4", req.PartialPath)

	runCtx, cancel := context.WithTimeout(ctx, wallTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, req.FFmpegPath, args...)
	killtree.Prepare(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, newErr(report.ReasonUncaught, "stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, newErr(report.ReasonUncaught, "stderr pipe: %v", err)
	}

	startTS := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, newErr(report.ReasonUncaught, "spawn transcoder: %v", err)
	}
	spawnMS := time.Since(startTS).Milliseconds()

	exited := make(chan struct{})
	handle := killtree.Wrap(cmd, exited)

	state := &trackState{}
	var stderrTail strings.Builder
	var stderrMu sync.Mutex

	// loopCtx ends the poll and watchdog loops once the transcoder has exited.
	loopCtx, stopLoops := context.WithCancel(runCtx)
	defer stopLoops()
	group, gctx := errgroup.WithContext(loopCtx)

	// cmd.Wait closes the stdout/stderr pipes, so it runs only after both
	// readers have drained them.
	var readers sync.WaitGroup
	readers.Add(2)
	waitErrCh := make(chan error, 1)
	go func() {
		readers.Wait()
		waitErrCh <- cmd.Wait()
		close(exited)
		stopLoops()
	}()

	group.Go(func() error {
		defer readers.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 4096), 1<<20)
		for scanner.Scan() {
			handleProgressLine(scanner.Text(), state, req, jobTotalMs, startTS)
		}
		return nil
	})

	group.Go(func() error {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 4096), 1<<20)
		for scanner.Scan() {
			stderrMu.Lock()
			appendTail(&stderrTail, scanner.Text())
			stderrMu.Unlock()
		}
		return nil
	})

	group.Go(func() error {
		return pollLoop(gctx, req, state, jobTotalMs, startTS)
	})

	if req.WatchdogNoProgress > 0 {
		group.Go(func() error {
			return watchdog(gctx, req, state, startTS)
		})
	}

	group.Go(func() error {
		return superviseCancellation(runCtx, req.Cancel, handle, exited)
	})

	_ = group.Wait()

	waitErr := <-waitErrCh
	endTS := time.Now()

	if reason := req.Cancel.Reason(); reason != "" {
		return Result{}, newErr(reason, "track %d: %s", req.TrackIndex, userReasonMessage(reason))
	}

	if runCtx.Err() != nil {
		return Result{}, newErr(report.ReasonTimeout, "track %d exceeded wall timeout %s", req.TrackIndex, wallTimeout)
	}

	stderrMu.Lock()
	tail := stderrTail.String()
	stderrMu.Unlock()

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, newErr(report.ReasonUncaught, "transcoder wait: %v", waitErr)
		}
	}

	if exitCode != 0 {
		retry := matchesAudioCopyMarker(tail) && req.AudioMode == report.AudioModeCopy
		return Result{}, &Error{
			Reason:         report.ReasonFFmpegExitNonzero,
			Message:        fmt.Sprintf("transcoder exited %d on track %d", exitCode, req.TrackIndex),
			StderrTail:     tail,
			AudioCopyRetry: retry,
		}
	}

	state.mu.Lock()
	signal := state.signals.Combine(state.lastOutTimeMs > 0, false)
	firstWriteMs := state.firstWriteMs
	firstProgressMs := state.firstProgressMs
	state.mu.Unlock()

	return Result{
		ExitCode:        exitCode,
		StderrTail:      tail,
		StartTS:         startTS,
		EndTS:           endTS,
		SpawnMS:         spawnMS,
		EncodeMS:        endTS.Sub(startTS).Milliseconds(),
		FirstWriteMS:    firstWriteMs,
		FirstProgressMS: firstProgressMs,
		ProgressSignal:  signal,
		ProgressModel:   model,
	}, nil
}

func audioArgs(mode report.AudioMode) []string {
	if mode == report.AudioModeAACFallback {
		return []string{"-c:a", "aac", "-b:a", "320k"}
	}
	return []string{"-c:a", "copy"}
}

func matchesAudioCopyMarker(stderrTail string) bool {
	lower := strings.ToLower(stderrTail)
	for _, marker := range audioCopyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// LineMatchesAudioCopyMarker reports whether a single stderr line contains
// one of the audio-copy rejection markers, so callers building the
// fallback_reason field (spec §4.11 step 5) can filter a stderr tail down
// to the line that actually explains the retry.
func LineMatchesAudioCopyMarker(line string) bool {
	return matchesAudioCopyMarker(line)
}

func userReasonMessage(reason report.ReasonCode) string {
	return report.UserMessage(reason)
}

func appendTail(b *strings.Builder, line string) {
	b.WriteString(line)
	b.WriteByte('\n')
	if b.Len() <= stderrTailCap {
		return
	}
	excess := b.Len() - stderrTailCap
	s := b.String()[excess:]
	b.Reset()
	b.WriteString(s)
}

// handleProgressLine applies one "-progress pipe:1" key=value line, per
// spec §4.6 step 5.
func handleProgressLine(line string, state *trackState, req Request, jobTotalMs int64, startTS time.Time) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	state.mu.Lock()
	defer state.mu.Unlock()

	switch key {
	case "speed":
		speedStr := strings.TrimSuffix(value, "x")
		if v, err := strconv.ParseFloat(speedStr, 64); err == nil {
			if state.speedEWMA == 0 {
				state.speedEWMA = v
			} else {
				state.speedEWMA = 0.25*v + 0.75*state.speedEWMA
			}
		}
	case "out_time_ms", "out_time_us":
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			ms := v
			if key == "out_time_us" {
				ms = v / 1000
			}
			state.lastOutTimeMs = ms
			if ms > state.trackMaxOutTimeMs {
				state.trackMaxOutTimeMs = ms
			}
			state.lastOutTimeUpdate = time.Now()
			if state.firstProgressMs == 0 {
				state.firstProgressMs = time.Now().UnixMilli()
			}
		}
	case "progress":
		if value == "end" {
			phase := "ENCODING"
			if req.IsLastTrack {
				phase = "FINALIZING"
			}
			emit(req, state, jobTotalMs, phase, true, startTS)
		}
	}
}

// trackProgressNumerator returns the numerator RawProgress divides by
// jobTotalMs, per spec §4.6 step 7: MEDIA uses media out-time (doneMs),
// WALLCLOCK uses elapsed wall-clock time since the transcoder was spawned.
func trackProgressNumerator(req Request, doneMs int64, startTS time.Time) int64 {
	if modelFor(req.AudioMode) == report.ModelWallclock {
		return time.Since(startTS).Milliseconds()
	}
	return doneMs
}

func emit(req Request, state *trackState, jobTotalMs int64, phase string, isFinal bool, startTS time.Time) {
	if req.OnSnapshot == nil {
		return
	}
	doneMs := state.trackMaxOutTimeMs
	model := modelFor(req.AudioMode)
	raw := progress.RawProgress(trackProgressNumerator(req, doneMs, startTS), jobTotalMs)
	if isFinal {
		raw = 1
	}
	// progress=end is a track-level event, not the job-level DONE FSM state,
	// so it is still subject to the pre-success cap (spec §4.6 step 5: "...
	// percentTrack = 99.9").
	percentTrack := progress.CapPreSuccess(raw, false) * 100

	signal := state.signals.Combine(state.lastOutTimeMs > 0, false)

	expectedWorkMs := int64(0)
	if model == report.ModelWallclock {
		expectedWorkMs = jobTotalMs
	}

	req.OnSnapshot(Snapshot{
		PercentTrack:      percentTrack,
		JobTotalMs:        jobTotalMs,
		JobDoneMs:         doneMs,
		Phase:             phase,
		ProgressSignal:    signal,
		ProgressModel:     model,
		JobExpectedWorkMs: expectedWorkMs,
		HasRealSignal:     state.signals.HasRealSignal(),
		IsFinal:           isFinal,
	})
}

func modelFor(mode report.AudioMode) report.ProgressModel {
	if mode == report.AudioModeCopy {
		return report.ModelWallclock
	}
	return report.ModelMedia
}

// pollLoop implements spec §4.6 step 6/7: stat the partial every 500ms,
// stamp first_write_ms, derive size-based fallback progress when the
// time-based signal has gone stale, and emit a throttled snapshot.
func pollLoop(ctx context.Context, req Request, state *trackState, jobTotalMs int64, startTS time.Time) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			info, statErr := os.Stat(req.PartialPath)
			var size int64
			if statErr == nil {
				size = info.Size()
			}

			state.mu.Lock()
			if size > 0 && state.firstWriteMs == 0 {
				state.firstWriteMs = time.Now().UnixMilli()
			}

			stale := state.lastOutTimeUpdate.IsZero() ||
				(time.Since(state.lastOutTimeUpdate) >= sizeStaleAfter && time.Since(startTS) >= sizeMinAfter)
			sizeContributed := false
			if stale && req.AudioInputSizeBytes > 0 && size > 0 {
				ratio := float64(size) / float64(req.AudioInputSizeBytes)
				if ratio < 0 {
					ratio = 0
				}
				if ratio > 0.999 {
					ratio = 0.999
				}
				sizeMs := int64(req.DurationSec * 1000 * ratio)
				if sizeMs > state.trackMaxOutTimeMs {
					state.trackMaxOutTimeMs = sizeMs
				}
				sizeContributed = true
			}
			timeContributed := state.lastOutTimeMs > 0
			signal := state.signals.Combine(timeContributed, sizeContributed)
			doneMs := state.trackMaxOutTimeMs
			state.mu.Unlock()

			if req.OnSnapshot != nil {
				model := modelFor(req.AudioMode)
				raw := progress.RawProgress(trackProgressNumerator(req, doneMs, startTS), jobTotalMs)
				percentTrack := progress.CapPreSuccess(raw, false) * 100
				expectedWorkMs := int64(0)
				if model == report.ModelWallclock {
					expectedWorkMs = jobTotalMs
				}
				req.OnSnapshot(Snapshot{
					PercentTrack:      percentTrack,
					JobTotalMs:        jobTotalMs,
					JobDoneMs:         doneMs,
					Phase:             "ENCODING",
					ProgressSignal:    signal,
					ProgressModel:     model,
					JobExpectedWorkMs: expectedWorkMs,
					HasRealSignal:     state.signals.HasRealSignal(),
				})
			}
		}
	}
}

// watchdog implements spec §4.6 step 9: if no progress signal arrives
// within WatchdogNoProgress, cancel with WATCHDOG_TIMEOUT.
func watchdog(ctx context.Context, req Request, state *trackState, startTS time.Time) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			state.mu.Lock()
			lastUpdate := state.lastOutTimeUpdate
			signal := state.signals.Combine(state.lastOutTimeMs > 0, false)
			state.mu.Unlock()

			reference := startTS
			lastProgressAtMs := int64(0)
			if !lastUpdate.IsZero() {
				reference = lastUpdate
				lastProgressAtMs = lastUpdate.UnixMilli()
			}
			if time.Since(reference) >= req.WatchdogNoProgress {
				logEvent(req.Logger, "render.watchdog.timeout", map[string]any{
					"jobId":            req.JobID,
					"trackIndex":       req.TrackIndex,
					"elapsedMs":        time.Since(startTS).Milliseconds(),
					"progressSignal":   signal,
					"lastProgressAtMs": lastProgressAtMs,
				})
				req.Cancel.Set(report.ReasonWatchdogTimeout)
				return nil
			}
		}
	}
}

// superviseCancellation is the only goroutine allowed to kill the
// transcoder: it watches the wall-clock context, the shared cancel flag set
// by the watchdog or the orchestrator, and the process's own exit, killing
// the tree and returning an error (to unblock the poll/watchdog loops via
// the errgroup's shared context) whenever termination is warranted.
func superviseCancellation(ctx context.Context, cancel *CancelSignal, handle *killtree.Handle, exited <-chan struct{}) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-exited:
			return nil
		case <-ctx.Done():
			handle.Kill(killGrace)
			<-exited
			return ctx.Err()
		case <-ticker.C:
			if cancel.Reason() != "" {
				handle.Kill(killGrace)
				<-exited
				return fmt.Errorf("cancelled: %s", cancel.Reason())
			}
		}
	}
}
