package adapter

import (
	"bytes"
	"context"
	"fmt"

	"github.com/meshguard/routerd/internal/agenterr"
	"github.com/meshguard/routerd/protocol"
)

// IPTables wraps iptables-save/iptables-restore, following the contract of
// spec §4.1: read_config is side-effect-free (iptables-save), apply is the
// sole mutator (iptables-restore), and a failed restore triggers the
// adapter's own rollback.
type IPTables struct {
	Base
	runner *Runner
}

// NewIPTables constructs the iptables adapter.
func NewIPTables(runner *Runner) *IPTables {
	return &IPTables{runner: runner}
}

func (a *IPTables) Name() string { return "iptables" }

func (a *IPTables) ReadConfig(ctx context.Context) ([]byte, error) {
	res, err := a.runner.Run(ctx, "iptables-save")
	if err != nil {
		return nil, fmt.Errorf("iptables: read_config: %w", err)
	}
	return []byte(res.Stdout), nil
}

func (a *IPTables) Validate(ctx context.Context, blob []byte) (protocol.DiffReport, error) {
	current, err := a.ReadConfig(ctx)
	if err != nil {
		return protocol.DiffReport{}, err
	}

	vb := agenterr.NewValidationBuilder(a.Name())
	vb.Require(bytes.Contains(blob, []byte("*filter")), "missing *filter table header")
	vb.Require(bytes.Contains(blob, []byte("COMMIT")), "missing COMMIT terminator")

	report := protocol.DiffReport{Section: a.Name(), Diffs: diffLines(current, blob)}
	if vb.HasViolations() {
		report.Violations = vb.Violations()
	}
	return report, nil
}

func (a *IPTables) Apply(ctx context.Context, blob []byte) (int64, error) {
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

	if _, err := a.runner.RunStdin(ctx, blob, "iptables-restore"); err != nil {
		if rbErr := a.rollbackLocked(ctx); rbErr != nil {
			return 0, &agenterr.ApplyError{Adapter: a.Name(), Cause: err, RolledBack: true, RollbackCause: rbErr}
		}
		return 0, &agenterr.ApplyError{Adapter: a.Name(), Cause: err, RolledBack: true}
	}

	a.setVersion(priorVer + 1)
	return a.currentVer, nil
}

func (a *IPTables) Rollback(ctx context.Context) error {
	unlock := a.lockMutate()
	defer unlock()
	return a.rollbackLocked(ctx)
}

// rollbackLocked assumes the caller already holds Base's mutex.
func (a *IPTables) rollbackLocked(ctx context.Context) error {
	if !a.haveSnapshot {
		return nil
	}
	if _, err := a.runner.RunStdin(ctx, a.lastSnapshot, "iptables-restore"); err != nil {
		return fmt.Errorf("iptables: rollback: %w", err)
	}
	a.setVersion(a.snapshotVer)
	a.discardSnapshot()
	return nil
}

func (a *IPTables) CollectMetrics(ctx context.Context) (protocol.PartialTelemetry, error) {
	res, err := a.runner.Run(ctx, "iptables", "-L", "-n", "-v", "-x")
	if err != nil {
		return protocol.PartialTelemetry{}, err
	}
	tcp, udp := countConnTrackLike(res.Stdout)
	return protocol.PartialTelemetry{
		Connections: &protocol.ConnectionCounts{TCP: tcp, UDP: udp},
	}, nil
}

// countConnTrackLike is a best-effort heuristic counting rule hits tagged
// tcp/udp in iptables -L -v output; real connection counts come from the
// system adapter's /proc/net scrape, this is a supplementary signal only.
func countConnTrackLike(output string) (tcp, udp uint32) {
	for _, line := range splitLines(output) {
		if contains(line, " tcp ") {
			tcp++
		}
		if contains(line, " udp ") {
			udp++
		}
	}
	return
}
