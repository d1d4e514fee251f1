// Package monitor samples host and agent-process health for the diagnostics
// surface. Snapshots are cached briefly so frequent status queries do not
// re-walk the process table.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	gopsutilNet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	snapshotCacheTTL   = 2 * time.Second
	networkSpeedWindow = 6 * time.Second
	networkHistoryMax  = 10
	topProcessLimit    = 20
)

const (
	SortByCPU    = "cpu"
	SortByMemory = "memory"
)

type Service struct {
	log *slog.Logger

	mu      sync.Mutex
	hasSnap bool
	snap    snapshot

	netHistory *networkHistory
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:        log,
		netHistory: newNetworkHistory(networkHistoryMax, networkSpeedWindow),
	}
}

// Snapshot is one health sample: host CPU/load/network, the agent's own Go
// runtime, and the heaviest processes on the box.
type Snapshot struct {
	CPUUsage    float64   `json:"cpu_usage"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	NetworkBytesReceived uint64  `json:"network_bytes_received"`
	NetworkBytesSent     uint64  `json:"network_bytes_sent"`
	NetworkSpeedReceived float64 `json:"network_speed_received"`
	NetworkSpeedSent     float64 `json:"network_speed_sent"`

	Goroutines    int    `json:"goroutines"`
	HeapAllocated uint64 `json:"heap_allocated"`

	Platform string `json:"platform"`

	Processes   []ProcessSample `json:"processes"`
	TimestampMs int64           `json:"timestamp_ms"`
}

type ProcessSample struct {
	PID         int32   `json:"pid"`
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Username    string  `json:"username"`
}

type snapshot struct {
	collectedAt time.Time
	data        Snapshot
	procMetrics []processWithMetrics
}

type processWithMetrics struct {
	pid         int32
	name        string
	cpuPercent  float64
	memoryBytes uint64
	username    string
}

// Snapshot returns the current health sample with processes ordered by the
// requested key. Collection errors degrade individual fields, never the call.
func (s *Service) Snapshot(ctx context.Context, sortBy string) Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := s.getSnapshot(ctx)
	out := snap.data
	out.Processes = selectTopProcesses(snap.procMetrics, sortBy, topProcessLimit)
	return out
}

func (s *Service) getSnapshot(ctx context.Context) snapshot {
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.snap.collectedAt) < snapshotCacheTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collectSnapshot(ctx)

	s.mu.Lock()
	s.snap = snap
	s.hasSnap = true
	s.mu.Unlock()

	return snap
}

func (s *Service) collectSnapshot(ctx context.Context) snapshot {
	collectedAt := time.Now()

	data := Snapshot{
		Platform:   runtime.GOOS,
		Goroutines: runtime.NumGoroutine(),
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	data.HeapAllocated = mem.HeapAlloc

	// CPU usage: prefer non-blocking sampling (diff from last call); coarse
	// aggregated tick updates can report 0% on short blocking intervals.
	if usage, err := readCPUUsage(ctx); err == nil {
		data.CPUUsage = usage
	} else {
		s.log.Warn("monitor: get cpu percent failed", "error", err)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		data.CPUCores = cores
	} else {
		s.log.Warn("monitor: get cpu cores failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		data.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("monitor: get load average failed", "error", err)
	}

	if ioStats, err := gopsutilNet.IOCountersWithContext(ctx, false); err == nil && len(ioStats) > 0 {
		data.NetworkBytesReceived = ioStats[0].BytesRecv
		data.NetworkBytesSent = ioStats[0].BytesSent

		s.netHistory.Add(networkStats{
			bytesReceived: ioStats[0].BytesRecv,
			bytesSent:     ioStats[0].BytesSent,
			at:            collectedAt,
		})

		recvSpd, sentSpd := s.netHistory.CalculateSpeed(collectedAt)
		data.NetworkSpeedReceived = recvSpd
		data.NetworkSpeedSent = sentSpd
	} else if err != nil {
		s.log.Warn("monitor: get network io failed", "error", err)
	}

	procMetrics, err := collectProcessMetrics(ctx)
	if err != nil {
		s.log.Warn("monitor: get process list failed", "error", err)
		procMetrics = nil
	}

	data.TimestampMs = collectedAt.UnixMilli()

	return snapshot{
		collectedAt: collectedAt,
		data:        data,
		procMetrics: procMetrics,
	}
}

func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error

	// Non-blocking: compare against the last call.
	if p, err := cpu.PercentWithContext(ctx, 0, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	// Fallback: a short blocking interval to bootstrap the last-times state.
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func collectProcessMetrics(ctx context.Context) ([]processWithMetrics, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]processWithMetrics, 0, len(procs))
	for _, p := range procs {
		if p == nil {
			continue
		}

		name, err := p.NameWithContext(ctx)
		if err != nil || strings.TrimSpace(name) == "" {
			// Some system processes refuse name lookup; keep a readable fallback.
			name = fmt.Sprintf("[%d]", p.Pid)
		}

		cpuPercent, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			cpuPercent = 0
		}

		var memBytes uint64
		if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
			memBytes = memInfo.RSS
		}

		username, err := p.UsernameWithContext(ctx)
		if err != nil || strings.TrimSpace(username) == "" {
			username = "system"
		}

		out = append(out, processWithMetrics{
			pid:         p.Pid,
			name:        name,
			cpuPercent:  cpuPercent,
			memoryBytes: memBytes,
			username:    username,
		})
	}

	return out, nil
}

func normalizeSortBy(sortBy string) string {
	switch strings.ToLower(strings.TrimSpace(sortBy)) {
	case SortByMemory:
		return SortByMemory
	default:
		return SortByCPU
	}
}

func selectTopProcesses(metrics []processWithMetrics, sortBy string, limit int) []ProcessSample {
	if len(metrics) == 0 || limit <= 0 {
		return []ProcessSample{}
	}

	sortBy = normalizeSortBy(sortBy)
	copied := make([]processWithMetrics, len(metrics))
	copy(copied, metrics)

	sort.Slice(copied, func(i, j int) bool {
		if sortBy == SortByMemory {
			return copied[i].memoryBytes > copied[j].memoryBytes
		}
		return copied[i].cpuPercent > copied[j].cpuPercent
	})

	if len(copied) > limit {
		copied = copied[:limit]
	}

	out := make([]ProcessSample, 0, len(copied))
	for _, p := range copied {
		name := strings.TrimSpace(p.name)
		if name == "" {
			name = fmt.Sprintf("[%d]", p.pid)
		}
		out = append(out, ProcessSample{
			PID:         p.pid,
			Name:        name,
			CPUPercent:  p.cpuPercent,
			MemoryBytes: p.memoryBytes,
			Username:    p.username,
		})
	}
	return out
}
