package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
	"github.com/sirupsen/logrus"
)

// HardwareSnapshot is one reading of the host the agent runs on.
// CPUTemperatureCelsius is nil on platforms without a readable sensor.
type HardwareSnapshot struct {
	CreatedAt             int64    `json:"created_at"`
	CPUUsagePercent       int      `json:"cpu_usage_percent"`
	CPUFrequencyGHz       float64  `json:"cpu_frequency_ghz"`
	CPUTemperatureCelsius *float64 `json:"cpu_temperature_celsius"`
	RAMUsedMB             float64  `json:"ram_used_mb"`
	RAMTotalGB            float64  `json:"ram_total_gb"`
	RAMUsagePercent       float64  `json:"ram_usage_percent"`
	SwapUsedMB            float64  `json:"swap_used_mb"`
	DiskUsagePercent      float64  `json:"disk_usage_percent"`
	DiskReadMBPerSec      float64  `json:"disk_read_mb_s"`
	DiskWriteMBPerSec     float64  `json:"disk_write_mb_s"`
}

// HardwareMonitor samples host health once per tick, keeps the latest
// snapshot for embedding into outbound telemetry, and optionally appends
// every snapshot to a JSON-lines file.
//
// Individual probes failing (no temperature sensor, no disk counters on
// the platform) leave their fields zero or nil; a partial snapshot is
// still a snapshot.
type HardwareMonitor struct {
	mu        sync.Mutex
	now       func() time.Time
	file      *os.File
	enc       *json.Encoder
	prevRead  uint64
	prevWrite uint64
	prevAt    time.Time
	latest    *HardwareSnapshot
}

// NewHardwareMonitor returns a monitor, appending snapshots to path when
// path is non-empty.
func NewHardwareMonitor(path string) (*HardwareMonitor, error) {
	m := &HardwareMonitor{now: time.Now}
	if path == "" {
		return m, nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open hardware log: %w", err)
	}
	m.file = file
	m.enc = json.NewEncoder(file)
	return m, nil
}

// Sample takes one snapshot, stores it as the latest and appends it to
// the log file if one is configured.
func (m *HardwareMonitor) Sample() *HardwareSnapshot {
	snapshot := &HardwareSnapshot{CreatedAt: m.now().UnixMilli()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snapshot.CPUUsagePercent = int(math.Round(percents[0]))
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		snapshot.CPUFrequencyGHz = roundHundredth(infos[0].Mhz / 1000)
	}
	snapshot.CPUTemperatureCelsius = cpuTemperature()

	if vm, err := mem.VirtualMemory(); err == nil {
		snapshot.RAMUsedMB = roundTenth(float64(vm.Used) / (1 << 20))
		snapshot.RAMTotalGB = roundHundredth(float64(vm.Total) / (1 << 30))
		snapshot.RAMUsagePercent = roundTenth(vm.UsedPercent)
	}
	if swap, err := mem.SwapMemory(); err == nil {
		snapshot.SwapUsedMB = roundTenth(float64(swap.Used) / (1 << 20))
	}
	if usage, err := disk.Usage("/"); err == nil {
		snapshot.DiskUsagePercent = roundTenth(usage.UsedPercent)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if counters, err := disk.IOCounters(); err == nil {
		var read, write uint64
		for _, c := range counters {
			read += c.ReadBytes
			write += c.WriteBytes
		}
		at := m.now()
		if !m.prevAt.IsZero() {
			elapsed := at.Sub(m.prevAt).Seconds()
			if elapsed > 0 && read >= m.prevRead && write >= m.prevWrite {
				snapshot.DiskReadMBPerSec = roundHundredth(float64(read-m.prevRead) / elapsed / (1 << 20))
				snapshot.DiskWriteMBPerSec = roundHundredth(float64(write-m.prevWrite) / elapsed / (1 << 20))
			}
		}
		m.prevRead, m.prevWrite, m.prevAt = read, write, at
	}

	m.latest = snapshot
	if m.enc != nil {
		if err := m.enc.Encode(snapshot); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Sample",
				"error":    err,
			}).Warn("Failed to append hardware snapshot")
		}
	}
	return snapshot
}

// Latest returns the most recent snapshot, nil before the first Sample.
func (m *HardwareMonitor) Latest() *HardwareSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Close closes the log file, if any.
func (m *HardwareMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	return m.file.Close()
}

// cpuTemperature scans the host's sensors for a CPU package or core
// reading. Returns nil when no plausible sensor exists.
func cpuTemperature() *float64 {
	stats, err := sensors.SensorsTemperatures()
	if err != nil || len(stats) == 0 {
		return nil
	}

	for _, stat := range stats {
		key := strings.ToLower(stat.SensorKey)
		if stat.Temperature <= 0 {
			continue
		}
		if strings.Contains(key, "cpu") || strings.Contains(key, "core") ||
			strings.Contains(key, "k10temp") || strings.Contains(key, "package") {
			temp := roundTenth(stat.Temperature)
			return &temp
		}
	}
	return nil
}

func roundHundredth(v float64) float64 {
	return math.Round(v*100) / 100
}
