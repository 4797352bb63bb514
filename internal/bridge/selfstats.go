package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// selfStatsInterval is how often the bridge refreshes its own health file.
const selfStatsInterval = 5 * time.Second

// SelfStats is a point-in-time snapshot of the bridge's own process,
// written to the health file so the orchestrator's health probe can
// distinguish a wedged assistant from a slow one without attaching a
// debugger.
type SelfStats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	OpenFDs    int     `json:"open_fds"`
}

// CollectSelfStats samples CPU and memory for the current process.
func CollectSelfStats(ctx context.Context) (SelfStats, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return SelfStats{}, fmt.Errorf("bridge: open self process handle: %w", err)
	}

	cpuPct, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return SelfStats{}, fmt.Errorf("bridge: read cpu percent: %w", err)
	}

	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return SelfStats{}, fmt.Errorf("bridge: read memory info: %w", err)
	}

	fds, err := proc.NumFDsWithContext(ctx)
	if err != nil {
		fds = -1
	}

	return SelfStats{
		PID:        int32(os.Getpid()),
		CPUPercent: cpuPct,
		RSSBytes:   memInfo.RSS,
		OpenFDs:    int(fds),
	}, nil
}

// writeSelfStats samples the current process and writes it to path as JSON,
// logging rather than failing on any error since health reporting is
// best-effort and must never take down the bridge.
func writeSelfStats(ctx context.Context, path string) {
	stats, err := CollectSelfStats(ctx)
	if err != nil {
		log.Printf("bridge: warning: failed to collect self stats: %v", err)
		return
	}
	data, err := json.Marshal(stats)
	if err != nil {
		log.Printf("bridge: warning: failed to marshal self stats: %v", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("bridge: warning: failed to write health file %s: %v", path, err)
	}
}

// selfStatsLoop refreshes the health file every selfStatsInterval until ctx
// is cancelled, writing one sample immediately so a health probe run right
// after startup finds something.
func selfStatsLoop(ctx context.Context, path string) error {
	writeSelfStats(ctx, path)

	ticker := time.NewTicker(selfStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			writeSelfStats(ctx, path)
		}
	}
}
