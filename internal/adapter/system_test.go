package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFixture(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newFixtureSystem(t *testing.T) (*System, string, string) {
	t.Helper()
	procRoot := t.TempDir()
	sysRoot := t.TempDir()

	writeFixture(t, filepath.Join(procRoot, "loadavg"), "0.10 0.20 0.30 1/200 12345\n")
	writeFixture(t, filepath.Join(procRoot, "uptime"), "123456.78 98765.43\n")
	writeFixture(t, filepath.Join(procRoot, "meminfo"), "MemTotal:       1000000 kB\nMemAvailable:    250000 kB\n")
	writeFixture(t, filepath.Join(procRoot, "stat"), "cpu  100 0 50 850 0 0 0 0 0 0\n")
	writeFixture(t, filepath.Join(procRoot, "net/tcp"), "header\nrow1\nrow2\n")
	writeFixture(t, filepath.Join(procRoot, "net/udp"), "header\nrow1\n")
	writeFixture(t, filepath.Join(sysRoot, "class/net/eth0/statistics/rx_bytes"), "1000\n")
	writeFixture(t, filepath.Join(sysRoot, "class/net/eth0/statistics/tx_bytes"), "2000\n")
	writeFixture(t, filepath.Join(sysRoot, "class/net/eth0/statistics/rx_packets"), "10\n")
	writeFixture(t, filepath.Join(sysRoot, "class/net/eth0/statistics/tx_packets"), "20\n")

	return NewSystemWithRoots(procRoot, sysRoot), procRoot, sysRoot
}

func TestSystemCollectMetrics(t *testing.T) {
	sys, _, _ := newFixtureSystem(t)

	partial, err := sys.CollectMetrics(context.Background())
	if err != nil {
		t.Fatalf("CollectMetrics: %v", err)
	}
	if partial.MemPercent == nil || *partial.MemPercent <= 0 {
		t.Fatalf("MemPercent = %v, want > 0", partial.MemPercent)
	}
	if partial.Load1 == nil || partial.Load1[0] != 0.10 {
		t.Fatalf("Load1 = %v, want [0.10 ...]", partial.Load1)
	}
	if partial.UptimeS == nil || *partial.UptimeS != 123456 {
		t.Fatalf("UptimeS = %v, want 123456", partial.UptimeS)
	}
	if partial.Connections == nil || partial.Connections.TCP != 2 || partial.Connections.UDP != 1 {
		t.Fatalf("Connections = %+v, want tcp=2 udp=1", partial.Connections)
	}
	iface, ok := partial.Interfaces["eth0"]
	if !ok {
		t.Fatalf("expected eth0 in interfaces: %+v", partial.Interfaces)
	}
	if iface.RxBytes != 1000 || iface.TxBytes != 2000 {
		t.Fatalf("eth0 counters = %+v", iface)
	}
}

func TestSystemCPUPercentFirstSampleIsZero(t *testing.T) {
	sys, _, _ := newFixtureSystem(t)
	partial, err := sys.CollectMetrics(context.Background())
	if err != nil {
		t.Fatalf("CollectMetrics: %v", err)
	}
	if partial.CPUPercent == nil || *partial.CPUPercent != 0 {
		t.Fatalf("first CPU sample should read 0 (no prior baseline), got %v", partial.CPUPercent)
	}
}

func TestSystemMutatingCallsRefused(t *testing.T) {
	sys, _, _ := newFixtureSystem(t)
	ctx := context.Background()
	if _, err := sys.Validate(ctx, nil); err == nil {
		t.Fatal("Validate should be refused on the metrics-only adapter")
	}
	if _, err := sys.Apply(ctx, nil); err == nil {
		t.Fatal("Apply should be refused on the metrics-only adapter")
	}
}
