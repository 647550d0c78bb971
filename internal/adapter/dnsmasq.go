package adapter

import (
	"context"
	"fmt"
	"os"

	"github.com/meshguard/routerd/internal/agenterr"
	"github.com/meshguard/routerd/protocol"
)

// Dnsmasq wraps the dnsmasq config file plus a service manager restart.
// read_config reads the file directly (no subprocess needed); apply writes
// the file atomically (temp file + rename) and restarts the service, the
// adapter's "natural granularity" (spec §4.1).
type Dnsmasq struct {
	Base
	runner     *Runner
	configPath string
	serviceCmd []string // e.g. {"service", "restart_dnsmasq"}
}

// NewDnsmasq constructs the dnsmasq adapter. serviceCmd restarts dnsmasq
// through the firmware's service manager (Asuswrt-Merlin's `service` tool).
func NewDnsmasq(runner *Runner, configPath string, serviceCmd []string) *Dnsmasq {
	if len(serviceCmd) == 0 {
		serviceCmd = []string{"service", "restart_dnsmasq"}
	}
	return &Dnsmasq{runner: runner, configPath: configPath, serviceCmd: serviceCmd}
}

func (a *Dnsmasq) Name() string { return "dnsmasq" }

func (a *Dnsmasq) ReadConfig(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(a.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, agenterr.NewUnavailableError(a.Name(), err.Error())
		}
		return nil, fmt.Errorf("dnsmasq: read_config: %w", err)
	}
	return data, nil
}

func (a *Dnsmasq) Validate(ctx context.Context, blob []byte) (protocol.DiffReport, error) {
	current, err := a.ReadConfig(ctx)
	if err != nil {
		return protocol.DiffReport{}, err
	}
	vb := agenterr.NewValidationBuilder(a.Name())
	vb.Require(len(blob) > 0, "empty dnsmasq configuration rejected")
	report := protocol.DiffReport{Section: a.Name(), Diffs: diffLines(current, blob)}
	if vb.HasViolations() {
		report.Violations = vb.Violations()
	}
	return report, nil
}

func (a *Dnsmasq) Apply(ctx context.Context, blob []byte) (int64, error) {
	report, err := a.Validate(ctx, blob)
	if err != nil {
		return 0, err
	}
	if !report.Valid() {
		return 0, &agenterr.ValidationError{Adapter: a.Name(), Messages: report.Violations}
	}

	unlock := a.lockMutate()
	defer unlock()

	current, err := a.ReadConfig(ctx)
	if err != nil {
		return 0, err
	}
	priorVer := a.currentVer
	a.snapshot(current, priorVer)

	if err := atomicWriteFile(a.configPath, blob); err != nil {
		return 0, &agenterr.ApplyError{Adapter: a.Name(), Cause: err}
	}
	if _, err := a.runner.Run(ctx, a.serviceCmd[0], a.serviceCmd[1:]...); err != nil {
		if rbErr := a.rollbackLocked(ctx); rbErr != nil {
			return 0, &agenterr.ApplyError{Adapter: a.Name(), Cause: err, RolledBack: true, RollbackCause: rbErr}
		}
		return 0, &agenterr.ApplyError{Adapter: a.Name(), Cause: err, RolledBack: true}
	}

	a.setVersion(priorVer + 1)
	return a.currentVer, nil
}

func (a *Dnsmasq) Rollback(ctx context.Context) error {
	unlock := a.lockMutate()
	defer unlock()
	return a.rollbackLocked(ctx)
}

func (a *Dnsmasq) rollbackLocked(ctx context.Context) error {
	if !a.haveSnapshot {
		return nil
	}
	if err := atomicWriteFile(a.configPath, a.lastSnapshot); err != nil {
		return fmt.Errorf("dnsmasq: rollback: %w", err)
	}
	if _, err := a.runner.Run(ctx, a.serviceCmd[0], a.serviceCmd[1:]...); err != nil {
		return fmt.Errorf("dnsmasq: rollback restart: %w", err)
	}
	a.setVersion(a.snapshotVer)
	a.discardSnapshot()
	return nil
}

func (a *Dnsmasq) CollectMetrics(ctx context.Context) (protocol.PartialTelemetry, error) {
	leasePath := a.leaseFilePath()
	data, err := os.ReadFile(leasePath)
	if err != nil {
		return protocol.PartialTelemetry{}, nil // absence is not fatal; omit DNS stats
	}
	queries := uint64(countNonEmptyLines(data))
	dns := &protocol.DNSStats{Queries: queries}
	return protocol.PartialTelemetry{DNS: dns}, nil
}

func (a *Dnsmasq) leaseFilePath() string {
	return "/var/lib/misc/dnsmasq.leases"
}

func countNonEmptyLines(data []byte) int {
	n := 0
	for _, l := range splitLines(string(data)) {
		if l != "" {
			n++
		}
	}
	return n
}

func atomicWriteFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
