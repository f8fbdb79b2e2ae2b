// Package integrity resolves the vendored FFmpeg/FFprobe binaries and
// verifies them against a pinned SHA-256 contract, per spec.md §4.2.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
)

// BinarySpec pins one binary's expected location and hash for a given
// (platform, arch).
type BinarySpec struct {
	RelPath        string
	SHA256         string
	RuntimeSHA256  string // optional, post-packaging hash; checked first
	Required       bool
}

// Contract maps platform/arch to the two binaries this module drives.
type Contract map[string]map[string]PlatformBinaries

// PlatformBinaries groups the ffmpeg/ffprobe specs for one (platform, arch).
type PlatformBinaries struct {
	FFmpeg  BinarySpec
	FFprobe BinarySpec
}

// BypassEnvVar is the operator override named in spec.md §4.2/§6.
const BypassEnvVar = "ALBUMTOVIDEO_ALLOW_BIN_MISMATCH"

// Mode is the outcome of verification.
type Mode string

const (
	ModeOK                   Mode = "ok"
	ModeDiagnosticsOnlyBypass Mode = "diagnostics_only_bypass"
	ModeUnpackagedWarn       Mode = "unpackaged_warn"
)

// Result is the cached, process-lifetime verification outcome.
type Result struct {
	Mode         Mode
	Packaged     bool
	FFmpegPath   string
	FFprobePath  string
	FFmpegSHA256 string
	FFprobeSHA256 string
	ContractKey  string
	BypassUsed   bool
}

// RenderingAllowed reports whether rendering may proceed under this result.
func (r Result) RenderingAllowed() bool {
	return r.Mode != ModeDiagnosticsOnlyBypass
}

// Logger is the narrow structured-logging surface integrity needs; it is
// satisfied by internal/logging.Logger.
type Logger interface {
	Event(name string, fields map[string]any)
}

// Verifier resolves and verifies binaries once per process.
type Verifier struct {
	ResourcesRoot string          // packaged resources root; empty means unpackaged
	Contract      Contract
	Logger        Logger
	LookupFallback func(name string) (string, error) // e.g. exec.LookPath
}

func contractKey() string {
	return fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)
}

// Verify resolves the vendored binaries and verifies them against the pinned
// contract, implementing the decision tree of spec §4.2.
func (v *Verifier) Verify() (Result, error) {
	key := contractKey()
	res := Result{ContractKey: key}

	plat, ok := v.Contract[runtime.GOOS]
	var pb PlatformBinaries
	if ok {
		pb, ok = plat[runtime.GOARCH]
	}
	if !ok {
		// No contract entry: fall back to PATH lookup, unpackaged-style.
		return v.resolveUnpackaged(res)
	}

	packaged := v.ResourcesRoot != ""
	res.Packaged = packaged

	if !packaged {
		return v.resolveUnpackaged(res)
	}

	ffmpegPath := filepath.Join(v.ResourcesRoot, pb.FFmpeg.RelPath)
	ffprobePath := filepath.Join(v.ResourcesRoot, pb.FFprobe.RelPath)

	ffmpegSum, ffmpegErr := hashFile(ffmpegPath)
	ffprobeSum, ffprobeErr := hashFile(ffprobePath)

	res.FFmpegPath = ffmpegPath
	res.FFprobePath = ffprobePath
	res.FFmpegSHA256 = ffmpegSum
	res.FFprobeSHA256 = ffprobeSum

	ffmpegOK := ffmpegErr == nil && matchesExpected(ffmpegSum, pb.FFmpeg)
	ffprobeOK := ffprobeErr == nil && matchesExpected(ffprobeSum, pb.FFprobe)

	if ffmpegOK && ffprobeOK {
		res.Mode = ModeOK
		v.logEvent("bin.integrity.ok", map[string]any{"contractKey": key})
		return res, nil
	}

	// Mismatch path.
	if os.Getenv(BypassEnvVar) == "1" {
		res.Mode = ModeDiagnosticsOnlyBypass
		res.BypassUsed = true
		v.logEvent("bin.integrity.bypassed", map[string]any{
			"contractKey": key,
			"ffmpegOK":    ffmpegOK,
			"ffprobeOK":   ffprobeOK,
		})
		v.logEvent("bin.integrity.diagnostics_mode", nil)
		return res, nil
	}

	v.logEvent("bin.integrity.fail", map[string]any{
		"contractKey": key,
		"ffmpegOK":    ffmpegOK,
		"ffprobeOK":   ffprobeOK,
	})
	return res, fmt.Errorf("packaged binary integrity check failed for %s: ffmpegOK=%v ffprobeOK=%v", key, ffmpegOK, ffprobeOK)
}

func (v *Verifier) resolveUnpackaged(res Result) (Result, error) {
	lookup := v.LookupFallback
	if lookup == nil {
		lookup = defaultLookPath
	}
	ffmpegPath, ffErr := lookup("ffmpeg")
	ffprobePath, fpErr := lookup("ffprobe")
	res.FFmpegPath = ffmpegPath
	res.FFprobePath = ffprobePath
	res.Packaged = false
	res.Mode = ModeUnpackagedWarn

	if ffErr != nil || fpErr != nil {
		v.logEvent("bin.integrity.warn", map[string]any{"reason": "dependency-provided binaries not found"})
		return res, fmt.Errorf("unpackaged binaries not found: ffmpeg=%v ffprobe=%v", ffErr, fpErr)
	}
	v.logEvent("bin.integrity.warn", map[string]any{"reason": "unpackaged session, skipping hash verification"})
	return res, nil
}

func matchesExpected(actual string, spec BinarySpec) bool {
	if spec.RuntimeSHA256 != "" && actual == spec.RuntimeSHA256 {
		return true
	}
	if spec.SHA256 != "" && actual == spec.SHA256 {
		return true
	}
	return false
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (v *Verifier) logEvent(name string, fields map[string]any) {
	if v.Logger != nil {
		v.Logger.Event(name, fields)
	}
}
