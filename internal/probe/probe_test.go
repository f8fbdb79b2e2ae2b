package probe

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeFakeBinary writes an executable shell script standing in for
// ffprobe/ffmpeg during tests, so probe logic can be exercised without a
// real media toolchain installed.
func writeFakeBinary(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binaries are shell scripts; unix-only test")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func TestProbe_FFprobeSuccess(t *testing.T) {
	fake := writeFakeBinary(t, `cat <<'EOF'
{"streams":[{"codec_type":"audio","duration":"120.5"}],"format":{"duration":"120.5"}}
EOF
exit 0
`)
	p := &Prober{FFprobePath: fake}
	res := p.Probe(context.Background(), "/fixtures/test.wav", time.Second)
	require.True(t, res.OK)
	require.Equal(t, MethodFFprobe, res.Method)
	require.InDelta(t, 120.5, res.DurationSec, 0.001)
}

func TestProbe_FFprobeNoAudioStreamFallsBack(t *testing.T) {
	ffprobe := writeFakeBinary(t, `cat <<'EOF'
{"streams":[{"codec_type":"video","duration":"10"}],"format":{"duration":"10"}}
EOF
exit 0
`)
	ffmpeg := writeFakeBinary(t, `exit 1
`)
	p := &Prober{FFprobePath: ffprobe, FFmpegPath: ffmpeg}
	res := p.Probe(context.Background(), "/fixtures/video-only.mp4", time.Second)
	require.False(t, res.OK)
	require.Equal(t, MethodFallback, res.Method)
}

func TestProbe_TimesOutAndFails(t *testing.T) {
	fake := writeFakeBinary(t, `sleep 5
`)
	p := &Prober{FFprobePath: fake}
	res := p.Probe(context.Background(), "/fixtures/test.wav", 50*time.Millisecond)
	require.False(t, res.OK)
}

func TestProbe_FFprobeNonzeroExitFallsBack(t *testing.T) {
	ffprobe := writeFakeBinary(t, `echo "error reading file" 1>&2
exit 1
`)
	ffmpeg := writeFakeBinary(t, `exit 1
`)
	p := &Prober{FFprobePath: ffprobe, FFmpegPath: ffmpeg}
	res := p.Probe(context.Background(), "/fixtures/corrupt.wav", time.Second)
	require.False(t, res.OK)
	require.Equal(t, MethodFallback, res.Method)
}
