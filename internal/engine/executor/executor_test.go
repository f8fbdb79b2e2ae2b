package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/albumtovideo/core/pkg/report"
)

// writeFakeFFmpeg writes a shell script masquerading as ffmpeg: it writes a
// few progress lines to stdout, creates the partial output file, then exits
// with exitCode.
func writeFakeFFmpeg(t *testing.T, dir, partialPath string, exitCode int, stderrLine string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-ffmpeg.sh")
	script := "#!/bin/sh\n" +
		"touch '" + partialPath + "'\n" +
		"echo 'out_time_ms=500000'\n" +
		"echo 'speed=1.0x'\n" +
		"sleep 0.05\n" +
		"echo 'out_time_ms=1000000'\n" +
		"echo 'progress=end'\n"
	if stderrLine != "" {
		script += "echo '" + stderrLine + "' 1>&2\n"
	}
	script += "exit " + itoaTest(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	return fmtInt(n)
}

func fmtInt(n int) string {
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestRun_SuccessfulTrack(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "track.mp4.partial")
	bin := writeFakeFFmpeg(t, dir, partial, 0, "")

	var snapshots []Snapshot
	req := Request{
		FFmpegPath:  bin,
		ArgsBase:    []string{"-y"},
		PartialPath: partial,
		AudioMode:   report.AudioModeCopy,
		DurationSec: 1.0,
		WallTimeout: 5 * time.Second,
		Cancel:      &CancelSignal{},
		OnSnapshot:  func(s Snapshot) { snapshots = append(snapshots, s) },
	}

	res, err := Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.NotEmpty(t, snapshots)
}

func TestRun_NonzeroExitWithAudioCopyMarkerSignalsRetry(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "track.mp4.partial")
	bin := writeFakeFFmpeg(t, dir, partial, 1, "Could not find tag for codec none in stream")

	req := Request{
		FFmpegPath:  bin,
		ArgsBase:    []string{"-y"},
		PartialPath: partial,
		AudioMode:   report.AudioModeCopy,
		DurationSec: 1.0,
		WallTimeout: 5 * time.Second,
		Cancel:      &CancelSignal{},
	}

	_, err := Run(context.Background(), req)
	require.Error(t, err)
	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, report.ReasonFFmpegExitNonzero, execErr.Reason)
	require.True(t, execErr.AudioCopyRetry)
}

func TestRun_RejectsNonPartialOutputPath(t *testing.T) {
	req := Request{
		PartialPath: "/tmp/not-a-partial.mp4",
		DurationSec: 1.0,
		Cancel:      &CancelSignal{},
	}
	_, err := Run(context.Background(), req)
	require.Error(t, err)
	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, report.ReasonUncaught, execErr.Reason)
}

func TestRun_RejectsNonPositiveDuration(t *testing.T) {
	req := Request{
		PartialPath: "/tmp/x.mp4.partial",
		DurationSec: 0,
		Cancel:      &CancelSignal{},
	}
	_, err := Run(context.Background(), req)
	require.Error(t, err)
	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, report.ReasonProbeFailed, execErr.Reason)
}

func TestRun_WatchdogTimeoutKillsSlowTranscoder(t *testing.T) {
	dir := t.TempDir()
	partial := filepath.Join(dir, "track.mp4.partial")
	script := "#!/bin/sh\ntouch '" + partial + "'\nsleep 5\n"
	bin := filepath.Join(dir, "slow-ffmpeg.sh")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	req := Request{
		FFmpegPath:         bin,
		ArgsBase:           []string{"-y"},
		PartialPath:        partial,
		AudioMode:          report.AudioModeCopy,
		DurationSec:        60.0,
		WallTimeout:        10 * time.Second,
		WatchdogNoProgress: 200 * time.Millisecond,
		Cancel:             &CancelSignal{},
	}

	start := time.Now()
	_, err := Run(context.Background(), req)
	elapsed := time.Since(start)

	require.Error(t, err)
	var execErr *Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, report.ReasonWatchdogTimeout, execErr.Reason)
	require.Less(t, elapsed, 4*time.Second)
}
