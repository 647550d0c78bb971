package adapter

import (
	"context"
	"fmt"

	"github.com/meshguard/routerd/internal/agenterr"
	"github.com/meshguard/routerd/protocol"
)

// WiFi wraps the firmware's wireless control tool (`wl` on Broadcom-based
// Asuswrt-Merlin builds, `iwpriv` elsewhere). Like NVRAM it is a key/value
// store per radio interface, so it shares the canonical key=value blob
// format and diff helpers.
type WiFi struct {
	Base
	runner  *Runner
	tool    string // "wl" or "iwpriv"
	ifaces  []string
}

// NewWiFi constructs the wireless adapter for the given control tool and
// the set of radio interfaces it manages (e.g. eth5, eth6).
func NewWiFi(runner *Runner, tool string, ifaces []string) *WiFi {
	return &WiFi{runner: runner, tool: tool, ifaces: ifaces}
}

func (a *WiFi) Name() string { return "wifi" }

func (a *WiFi) ReadConfig(ctx context.Context) ([]byte, error) {
	var combined string
	for _, iface := range a.ifaces {
		res, err := a.runner.Run(ctx, a.tool, iface, "show")
		if err != nil {
			return nil, fmt.Errorf("wifi: read_config(%s): %w", iface, err)
		}
		for _, line := range splitLines(res.Stdout) {
			if line == "" {
				continue
			}
			combined += iface + "." + line + "\n"
		}
	}
	return []byte(canonicalizeKV(combined)), nil
}

func (a *WiFi) Validate(ctx context.Context, blob []byte) (protocol.DiffReport, error) {
	current, err := a.ReadConfig(ctx)
	if err != nil {
		return protocol.DiffReport{}, err
	}
	proposed, err := parseKV(blob)
	if err != nil {
		return protocol.DiffReport{Section: a.Name(), Violations: []string{err.Error()}}, nil
	}

	vb := agenterr.NewValidationBuilder(a.Name())
	for k := range proposed {
		iface, _, ok := cutFirstDot(k)
		vb.Requiref(ok, "key %q missing interface prefix", k)
		vb.Requiref(ok && containsString(a.ifaces, iface), "key %q targets unmanaged interface %q", k, iface)
	}

	currentKV, _ := parseKV(current)
	report := protocol.DiffReport{Section: a.Name(), Diffs: diffKV(currentKV, proposed)}
	if vb.HasViolations() {
		report.Violations = vb.Violations()
	}
	return report, nil
}

func (a *WiFi) Apply(ctx context.Context, blob []byte) (int64, error) {
	report, err := a.Validate(ctx, blob)
	if err != nil {
		return 0, err
	}
	if !report.Valid() {
		return 0, &agenterr.ValidationError{Adapter: a.Name(), Messages: report.Violations}
	}
	proposed, err := parseKV(blob)
	if err != nil {
		return 0, err
	}

	unlock := a.lockMutate()
	defer unlock()

	current, err := a.ReadConfig(ctx)
	if err != nil {
		return 0, err
	}
	priorVer := a.currentVer
	a.snapshot(current, priorVer)

	for k, v := range proposed {
		iface, key, _ := cutFirstDot(k)
		if _, err := a.runner.Run(ctx, a.tool, iface, "set", key, v); err != nil {
			if rbErr := a.rollbackLocked(ctx); rbErr != nil {
				return 0, &agenterr.ApplyError{Adapter: a.Name(), Cause: err, RolledBack: true, RollbackCause: rbErr}
			}
			return 0, &agenterr.ApplyError{Adapter: a.Name(), Cause: err, RolledBack: true}
		}
	}

	a.setVersion(priorVer + 1)
	return a.currentVer, nil
}

func (a *WiFi) Rollback(ctx context.Context) error {
	unlock := a.lockMutate()
	defer unlock()
	return a.rollbackLocked(ctx)
}

func (a *WiFi) rollbackLocked(ctx context.Context) error {
	if !a.haveSnapshot {
		return nil
	}
	kv, err := parseKV(a.lastSnapshot)
	if err != nil {
		return fmt.Errorf("wifi: rollback: corrupt snapshot: %w", err)
	}
	for k, v := range kv {
		iface, key, ok := cutFirstDot(k)
		if !ok {
			continue
		}
		if _, err := a.runner.Run(ctx, a.tool, iface, "set", key, v); err != nil {
			return fmt.Errorf("wifi: rollback: %w", err)
		}
	}
	a.setVersion(a.snapshotVer)
	a.discardSnapshot()
	return nil
}

func (a *WiFi) CollectMetrics(ctx context.Context) (protocol.PartialTelemetry, error) {
	ifaces := make(map[string]protocol.InterfaceCounters, len(a.ifaces))
	for _, iface := range a.ifaces {
		res, err := a.runner.Run(ctx, a.tool, iface, "assoclist")
		if err != nil {
			continue
		}
		ifaces[iface] = protocol.InterfaceCounters{
			RxPkts: uint64(countNonEmptyLines([]byte(res.Stdout))),
		}
	}
	if len(ifaces) == 0 {
		return protocol.PartialTelemetry{}, nil
	}
	return protocol.PartialTelemetry{Interfaces: ifaces}, nil
}

func cutFirstDot(s string) (before, after string, found bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
