// Package envinfo gathers the host CPU/RAM facts stamped into the render
// report's environment section. Grounded on
// ArthurCRodrigues-transcode-worker/internal/transcoder.Engine's
// GetStaticSpecs/GetSystemHealth (gopsutil cpu/mem probing), adapted from a
// hardware-acceleration-capability probe (this module has no video
// encoder-family negotiation; presets are fixed software x264) to a
// render-report environment stamp.
package envinfo

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is the subset of host facts the render report records.
type Snapshot struct {
	CPUModel     string
	TotalThreads int
	RAMFreeBytes uint64
}

// Gather samples CPU model, logical thread count, and free RAM. Best-effort:
// any gopsutil failure degrades to zero values rather than failing the job,
// since the environment stamp is diagnostic, not load-bearing.
func Gather() Snapshot {
	snap := Snapshot{TotalThreads: runtime.NumCPU()}

	if info, err := cpu.Info(); err == nil && len(info) > 0 {
		snap.CPUModel = info[0].ModelName
	}
	if v, err := mem.VirtualMemory(); err == nil {
		snap.RAMFreeBytes = v.Available
	}
	return snap
}
