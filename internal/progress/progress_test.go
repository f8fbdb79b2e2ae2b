package progress

import (
	"testing"

	"github.com/albumtovideo/core/pkg/report"
	"github.com/stretchr/testify/require"
)

func TestClampJobExpectedWorkMs(t *testing.T) {
	require.Equal(t, int64(7000), ClampJobExpectedWorkMs(100, 0, 0), "floor applies for tiny jobs")
	require.Equal(t, int64(20000), ClampJobExpectedWorkMs(10_000_000, 0, 0), "high clamp applies for huge jobs")
	require.Equal(t, int64(7000), ClampJobExpectedWorkMs(500_000, 0, 0), "1% of 500s = 5s, below the 7s floor")
	require.Equal(t, int64(15000), ClampJobExpectedWorkMs(1_500_000, 0, 0), "1% of 1500s = 15s, within range")
}

func TestRawProgressNeverExceedsOne(t *testing.T) {
	require.Equal(t, 1.0, RawProgress(2000, 1000))
	require.Equal(t, 0.5, RawProgress(500, 1000))
	require.Equal(t, 0.0, RawProgress(0, 0))
}

func TestCapPreSuccess(t *testing.T) {
	require.Equal(t, PreSuccessCap, CapPreSuccess(1.0, false))
	require.Equal(t, 1.0, CapPreSuccess(1.0, true))
	require.Equal(t, 0.5, CapPreSuccess(0.5, false))
}

func TestSignalStateNoFlicker(t *testing.T) {
	var s SignalState
	require.Equal(t, report.SignalNone, s.Combine(false, false))
	require.False(t, s.HasRealSignal())

	require.Equal(t, report.SignalTime, s.Combine(true, false))
	require.True(t, s.HasRealSignal())

	// A later "none" reading upgrades back to the last real signal.
	require.Equal(t, report.SignalTime, s.Combine(false, false))

	require.Equal(t, report.SignalBoth, s.Combine(true, true))
	require.Equal(t, report.SignalBoth, s.Combine(false, false))
}

func TestJobTotalForModel(t *testing.T) {
	require.Equal(t, int64(7000), JobTotalForModel(report.ModelMedia, 100))
	require.Equal(t, int64(500000), JobTotalForModel(report.ModelMedia, 500000))
	require.Equal(t, int64(7000), JobTotalForModel(report.ModelWallclock, 100))
}
