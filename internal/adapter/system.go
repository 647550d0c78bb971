package adapter

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/meshguard/routerd/internal/agenterr"
	"github.com/meshguard/routerd/protocol"
)

// System is the metrics-only adapter (spec §4.1 "system (metrics-only)"):
// it scrapes /proc and /sys for CPU, memory, load, uptime, temperature, and
// interface counters. It has no writable configuration, so Validate/Apply
// are refused with ErrUnknownSection, Rollback is a no-op (there is never a
// snapshot to restore), and ReadConfig returns an empty section.
type System struct {
	Base
	procRoot string // overridable in tests; defaults to "/proc"
	sysRoot  string // overridable in tests; defaults to "/sys"
	prevCPU  cpuTimes
}

// NewSystem constructs the system metrics adapter rooted at the real /proc
// and /sys filesystems.
func NewSystem() *System {
	return &System{procRoot: "/proc", sysRoot: "/sys"}
}

// NewSystemWithRoots builds a System adapter against alternate proc/sys
// roots, used by tests to scrape fixture files instead of the real kernel.
func NewSystemWithRoots(procRoot, sysRoot string) *System {
	return &System{procRoot: procRoot, sysRoot: sysRoot}
}

func (a *System) Name() string { return "system" }

func (a *System) ReadConfig(ctx context.Context) ([]byte, error) {
	return nil, nil
}

func (a *System) Validate(ctx context.Context, blob []byte) (protocol.DiffReport, error) {
	return protocol.DiffReport{}, agenterr.ErrUnknownSection
}

func (a *System) Apply(ctx context.Context, blob []byte) (int64, error) {
	return 0, agenterr.ErrUnknownSection
}

func (a *System) Rollback(ctx context.Context) error {
	return nil
}

func (a *System) CollectMetrics(ctx context.Context) (protocol.PartialTelemetry, error) {
	var t protocol.PartialTelemetry

	if cpu, err := a.readCPUPercent(); err == nil {
		t.CPUPercent = &cpu
	}
	if mem, err := a.readMemPercent(); err == nil {
		t.MemPercent = &mem
	}
	if load, err := a.readLoad(); err == nil {
		t.Load1 = &load
	}
	if up, err := a.readUptime(); err == nil {
		t.UptimeS = &up
	}
	if temp, err := a.readTemp(); err == nil {
		t.TempC = &temp
	}
	if ifaces, err := a.readInterfaces(); err == nil && len(ifaces) > 0 {
		t.Interfaces = ifaces
	}
	if conns, err := a.readConnections(); err == nil {
		t.Connections = &conns
	}
	return t, nil
}

func (a *System) readLoad() ([3]float64, error) {
	data, err := os.ReadFile(a.procRoot + "/loadavg")
	if err != nil {
		return [3]float64{}, agenterr.NewUnavailableError(a.Name(), err.Error())
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return [3]float64{}, agenterr.ErrUnavailable
	}
	var out [3]float64
	for i := 0; i < 3; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return [3]float64{}, err
		}
		out[i] = v
	}
	return out, nil
}

func (a *System) readUptime() (uint64, error) {
	data, err := os.ReadFile(a.procRoot + "/uptime")
	if err != nil {
		return 0, agenterr.NewUnavailableError(a.Name(), err.Error())
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, agenterr.ErrUnavailable
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func (a *System) readMemPercent() (float64, error) {
	f, err := os.Open(a.procRoot + "/meminfo")
	if err != nil {
		return 0, agenterr.NewUnavailableError(a.Name(), err.Error())
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoLine(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoLine(line)
		}
	}
	if total == 0 {
		return 0, agenterr.ErrUnavailable
	}
	return (total - available) / total * 100, nil
}

func parseMeminfoLine(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseFloat(fields[1], 64)
	return v
}

// readCPUPercent reads /proc/stat once and reports utilization since the
// sample taken by the previous call, so the interval it covers is whatever
// elapsed between calls (one collector cycle when only the collector calls
// it). The first call has no baseline and reports 0.
func (a *System) readCPUPercent() (float64, error) {
	first, err := a.readCPUTimes()
	if err != nil {
		return 0, err
	}
	// A single-sample estimate avoids blocking the collector loop; we
	// report utilization since the previous sample rather than sleeping.
	a.mu.Lock()
	prev := a.prevCPU
	a.prevCPU = first
	a.mu.Unlock()

	if prev == (cpuTimes{}) {
		return 0, nil
	}
	idleDelta := float64(first.idle - prev.idle)
	totalDelta := float64(first.total() - prev.total())
	if totalDelta <= 0 {
		return 0, nil
	}
	return (1 - idleDelta/totalDelta) * 100, nil
}

type cpuTimes struct {
	user, nice, system, idle, iowait, irq, softirq uint64
}

func (c cpuTimes) total() uint64 {
	return c.user + c.nice + c.system + c.idle + c.iowait + c.irq + c.softirq
}

func (a *System) readCPUTimes() (cpuTimes, error) {
	f, err := os.Open(a.procRoot + "/stat")
	if err != nil {
		return cpuTimes{}, agenterr.NewUnavailableError(a.Name(), err.Error())
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cpuTimes{}, agenterr.ErrUnavailable
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 8 || fields[0] != "cpu" {
		return cpuTimes{}, agenterr.ErrUnavailable
	}
	vals := make([]uint64, 7)
	for i := 0; i < 7; i++ {
		vals[i], _ = strconv.ParseUint(fields[i+1], 10, 64)
	}
	return cpuTimes{vals[0], vals[1], vals[2], vals[3], vals[4], vals[5], vals[6]}, nil
}

func (a *System) readTemp() (float64, error) {
	data, err := os.ReadFile(a.sysRoot + "/class/thermal/thermal_zone0/temp")
	if err != nil {
		return 0, agenterr.NewUnavailableError(a.Name(), err.Error())
	}
	raw, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, err
	}
	return raw / 1000, nil
}

func (a *System) readInterfaces() (map[string]protocol.InterfaceCounters, error) {
	entries, err := os.ReadDir(a.sysRoot + "/class/net")
	if err != nil {
		return nil, agenterr.NewUnavailableError(a.Name(), err.Error())
	}
	out := make(map[string]protocol.InterfaceCounters, len(entries))
	for _, e := range entries {
		name := e.Name()
		base := a.sysRoot + "/class/net/" + name + "/statistics/"
		out[name] = protocol.InterfaceCounters{
			RxBytes: readCounter(base + "rx_bytes"),
			TxBytes: readCounter(base + "tx_bytes"),
			RxPkts:  readCounter(base + "rx_packets"),
			TxPkts:  readCounter(base + "tx_packets"),
		}
	}
	return out, nil
}

func readCounter(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	v, _ := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	return v
}

func (a *System) readConnections() (protocol.ConnectionCounts, error) {
	tcp := countProcNetLines(a.procRoot + "/net/tcp")
	udp := countProcNetLines(a.procRoot + "/net/udp")
	return protocol.ConnectionCounts{TCP: uint32(tcp), UDP: uint32(udp)}, nil
}

func countProcNetLines(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	lines := splitLines(string(data))
	if len(lines) == 0 {
		return 0
	}
	return len(lines) - 1 // first line is the header
}
