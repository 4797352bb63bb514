package sandbox

import (
	"encoding/json"
	"io"
)

// dockerStatsJSON mirrors the subset of the one-shot (stream=false)
// ContainerStats response body this driver needs; decoding only the
// fields used avoids a second SDK type import for the full shape.
type dockerStatsJSON struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs  uint32 `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
}

// decodeDockerStats parses a one-shot stats response and computes the same
// CPU-percent delta formula `docker stats` itself uses: cpu delta over
// system delta, scaled by online CPU count.
func decodeDockerStats(r io.Reader) (Stats, error) {
	var raw dockerStatsJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Stats{}, &EngineError{Kind: KindOther, Op: "stats_decode", Err: err}
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)

	var cpuPercent float64
	if sysDelta > 0 && cpuDelta > 0 {
		onlineCPUs := float64(raw.CPUStats.OnlineCPUs)
		if onlineCPUs == 0 {
			onlineCPUs = 1
		}
		cpuPercent = (cpuDelta / sysDelta) * onlineCPUs * 100.0
	}

	return Stats{
		CPUPercent:       cpuPercent,
		MemoryBytes:      int64(raw.MemoryStats.Usage),
		MemoryLimitBytes: int64(raw.MemoryStats.Limit),
	}, nil
}
