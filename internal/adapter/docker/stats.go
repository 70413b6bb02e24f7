package docker

import (
	"fmt"
	"strings"

	"docker2mqtt/internal/runtime"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"
)

func idleSample(id string) runtime.StatsSample {
	return runtime.StatsSample{
		ID:          id,
		MemoryUsage: "0B / 0B",
		NetIO:       "0B / 0B",
		BlockIO:     "0B / 0B",
	}
}

// sampleFromStats renders a one-shot stats response the way `docker stats`
// does for a Linux container.
func sampleFromStats(st *container.StatsResponse) runtime.StatsSample {
	mem := memoryUsage(st.MemoryStats)
	memPercent := 0.0
	if st.MemoryStats.Limit > 0 {
		memPercent = mem / float64(st.MemoryStats.Limit) * 100
	}
	rx, tx := networkBytes(st.Networks)
	read, write := blockIOBytes(st.BlkioStats)

	return runtime.StatsSample{
		CPUPercent:    cpuPercent(st.PreCPUStats, st.CPUStats),
		MemoryPercent: memPercent,
		MemoryUsage:   fmt.Sprintf("%s / %s", units.BytesSize(mem), units.BytesSize(float64(st.MemoryStats.Limit))),
		NetIO:         fmt.Sprintf("%s / %s", units.HumanSizeWithPrecision(rx, 3), units.HumanSizeWithPrecision(tx, 3)),
		PIDs:          int(st.PidsStats.Current),
		BlockIO:       fmt.Sprintf("%s / %s", units.HumanSizeWithPrecision(read, 3), units.HumanSizeWithPrecision(write, 3)),
	}
}

// cpuPercent is relative to a single core, so it may exceed 100.
func cpuPercent(prev, cur container.CPUStats) float64 {
	cpuDelta := float64(cur.CPUUsage.TotalUsage) - float64(prev.CPUUsage.TotalUsage)
	sysDelta := float64(cur.SystemUsage) - float64(prev.SystemUsage)
	online := float64(cur.OnlineCPUs)
	if online == 0 {
		online = float64(len(cur.CPUUsage.PercpuUsage))
	}
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	return cpuDelta / sysDelta * online * 100
}

// memoryUsage excludes page cache: cgroup v1 reports total_inactive_file,
// cgroup v2 inactive_file.
func memoryUsage(m container.MemoryStats) float64 {
	usage := m.Usage
	if v, ok := m.Stats["total_inactive_file"]; ok && v < usage {
		return float64(usage - v)
	}
	if v, ok := m.Stats["inactive_file"]; ok && v < usage {
		return float64(usage - v)
	}
	return float64(usage)
}

func networkBytes(nets map[string]container.NetworkStats) (rx, tx float64) {
	for _, n := range nets {
		rx += float64(n.RxBytes)
		tx += float64(n.TxBytes)
	}
	return rx, tx
}

func blockIOBytes(b container.BlkioStats) (read, write float64) {
	for _, e := range b.IoServiceBytesRecursive {
		switch strings.ToLower(e.Op) {
		case "read":
			read += float64(e.Value)
		case "write":
			write += float64(e.Value)
		}
	}
	return read, write
}
