package adapter

import (
	"context"
	"fmt"

	"github.com/meshguard/routerd/internal/agenterr"
	"github.com/meshguard/routerd/protocol"
)

// WireGuard wraps `wg showconf`/`wg syncconf`: read_config dumps the active
// interface configuration, apply syncs a proposed config in-place without
// tearing the tunnel down (syncconf is specifically designed for this,
// unlike setconf).
type WireGuard struct {
	Base
	runner    *Runner
	ifaceName string
}

// NewWireGuard constructs the wireguard adapter for the named interface
// (typically "wg0").
func NewWireGuard(runner *Runner, iface string) *WireGuard {
	return &WireGuard{runner: runner, ifaceName: iface}
}

func (a *WireGuard) Name() string { return "wireguard" }

func (a *WireGuard) ReadConfig(ctx context.Context) ([]byte, error) {
	res, err := a.runner.Run(ctx, "wg", "showconf", a.ifaceName)
	if err != nil {
		return nil, fmt.Errorf("wireguard: read_config: %w", err)
	}
	return []byte(res.Stdout), nil
}

func (a *WireGuard) Validate(ctx context.Context, blob []byte) (protocol.DiffReport, error) {
	current, err := a.ReadConfig(ctx)
	if err != nil {
		return protocol.DiffReport{}, err
	}
	vb := agenterr.NewValidationBuilder(a.Name())
	vb.Require(contains(string(blob), "[Interface]"), "missing [Interface] section")
	report := protocol.DiffReport{Section: a.Name(), Diffs: diffLines(current, blob)}
	if vb.HasViolations() {
		report.Violations = vb.Violations()
	}
	return report, nil
}

func (a *WireGuard) Apply(ctx context.Context, blob []byte) (int64, error) {
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

	if _, err := a.runner.RunStdin(ctx, blob, "wg", "syncconf", a.ifaceName, "/dev/stdin"); err != nil {
		if rbErr := a.rollbackLocked(ctx); rbErr != nil {
			return 0, &agenterr.ApplyError{Adapter: a.Name(), Cause: err, RolledBack: true, RollbackCause: rbErr}
		}
		return 0, &agenterr.ApplyError{Adapter: a.Name(), Cause: err, RolledBack: true}
	}

	a.setVersion(priorVer + 1)
	return a.currentVer, nil
}

func (a *WireGuard) Rollback(ctx context.Context) error {
	unlock := a.lockMutate()
	defer unlock()
	return a.rollbackLocked(ctx)
}

func (a *WireGuard) rollbackLocked(ctx context.Context) error {
	if !a.haveSnapshot {
		return nil
	}
	if _, err := a.runner.RunStdin(ctx, a.lastSnapshot, "wg", "syncconf", a.ifaceName, "/dev/stdin"); err != nil {
		return fmt.Errorf("wireguard: rollback: %w", err)
	}
	a.setVersion(a.snapshotVer)
	a.discardSnapshot()
	return nil
}

func (a *WireGuard) CollectMetrics(ctx context.Context) (protocol.PartialTelemetry, error) {
	res, err := a.runner.Run(ctx, "wg", "show", a.ifaceName, "transfer")
	if err != nil {
		return protocol.PartialTelemetry{}, err
	}
	var rx, tx uint64
	for _, line := range splitLines(res.Stdout) {
		var peer string
		var r, t uint64
		if n, _ := fmt.Sscanf(line, "%s %d %d", &peer, &r, &t); n == 3 {
			rx += r
			tx += t
		}
	}
	return protocol.PartialTelemetry{
		Interfaces: map[string]protocol.InterfaceCounters{
			a.ifaceName: {RxBytes: rx, TxBytes: tx},
		},
	}, nil
}
