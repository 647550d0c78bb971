package adapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/meshguard/routerd/internal/agenterr"
	"github.com/meshguard/routerd/protocol"
)

// NVRAM wraps `nvram show` / `nvram set … && nvram commit`, the Asuswrt-
// Merlin persistent key/value store (spec §1, §4.1). The blob format is a
// sorted `key=value\n` listing, matching `nvram show` output so
// read_config/validate/apply all agree on one canonical shape.
type NVRAM struct {
	Base
	runner *Runner
}

// NewNVRAM constructs the nvram adapter.
func NewNVRAM(runner *Runner) *NVRAM {
	return &NVRAM{runner: runner}
}

func (a *NVRAM) Name() string { return "nvram" }

func (a *NVRAM) ReadConfig(ctx context.Context) ([]byte, error) {
	res, err := a.runner.Run(ctx, "nvram", "show")
	if err != nil {
		return nil, fmt.Errorf("nvram: read_config: %w", err)
	}
	return []byte(canonicalizeKV(res.Stdout)), nil
}

func (a *NVRAM) Validate(ctx context.Context, blob []byte) (protocol.DiffReport, error) {
	current, err := a.ReadConfig(ctx)
	if err != nil {
		return protocol.DiffReport{}, err
	}

	proposed, err := parseKV(blob)
	if err != nil {
		return protocol.DiffReport{
			Section:    a.Name(),
			Violations: []string{err.Error()},
		}, nil
	}

	vb := agenterr.NewValidationBuilder(a.Name())
	for k := range proposed {
		vb.Requiref(!strings.ContainsAny(k, " \t\n="), "invalid key %q", k)
	}

	currentKV, _ := parseKV(current)
	report := protocol.DiffReport{Section: a.Name(), Diffs: diffKV(currentKV, proposed)}
	if vb.HasViolations() {
		report.Violations = vb.Violations()
	}
	return report, nil
}

func (a *NVRAM) Apply(ctx context.Context, blob []byte) (int64, error) {
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
		if _, err := a.runner.Run(ctx, "nvram", "set", k+"="+v); err != nil {
			if rbErr := a.rollbackLocked(ctx); rbErr != nil {
				return 0, &agenterr.ApplyError{Adapter: a.Name(), Cause: err, RolledBack: true, RollbackCause: rbErr}
			}
			return 0, &agenterr.ApplyError{Adapter: a.Name(), Cause: err, RolledBack: true}
		}
	}
	if _, err := a.runner.Run(ctx, "nvram", "commit"); err != nil {
		if rbErr := a.rollbackLocked(ctx); rbErr != nil {
			return 0, &agenterr.ApplyError{Adapter: a.Name(), Cause: err, RolledBack: true, RollbackCause: rbErr}
		}
		return 0, &agenterr.ApplyError{Adapter: a.Name(), Cause: err, RolledBack: true}
	}

	a.setVersion(priorVer + 1)
	return a.currentVer, nil
}

func (a *NVRAM) Rollback(ctx context.Context) error {
	unlock := a.lockMutate()
	defer unlock()
	return a.rollbackLocked(ctx)
}

func (a *NVRAM) rollbackLocked(ctx context.Context) error {
	if !a.haveSnapshot {
		return nil
	}
	kv, err := parseKV(a.lastSnapshot)
	if err != nil {
		return fmt.Errorf("nvram: rollback: corrupt snapshot: %w", err)
	}
	for k, v := range kv {
		if _, err := a.runner.Run(ctx, "nvram", "set", k+"="+v); err != nil {
			return fmt.Errorf("nvram: rollback: %w", err)
		}
	}
	if _, err := a.runner.Run(ctx, "nvram", "commit"); err != nil {
		return fmt.Errorf("nvram: rollback commit: %w", err)
	}
	a.setVersion(a.snapshotVer)
	a.discardSnapshot()
	return nil
}

func (a *NVRAM) CollectMetrics(ctx context.Context) (protocol.PartialTelemetry, error) {
	// nvram has no direct telemetry contribution; the system adapter
	// supplies cpu/mem/load/uptime. Returning an empty, non-error result
	// lets the collector merge it as a no-op (spec §4.1 "collect_metrics
	// returns only the telemetry fields that adapter can supply").
	return protocol.PartialTelemetry{}, nil
}

func parseKV(blob []byte) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(blob))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("nvram: malformed line %q", line)
		}
		out[k] = v
	}
	return out, scanner.Err()
}

func canonicalizeKV(raw string) string {
	kv, err := parseKV([]byte(raw))
	if err != nil {
		return raw
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(kv[k])
		sb.WriteByte('\n')
	}
	return sb.String()
}

func diffKV(old, new map[string]string) []protocol.DiffEntry {
	var diffs []protocol.DiffEntry
	keys := make(map[string]bool)
	for k := range old {
		keys[k] = true
	}
	for k := range new {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		ov, oOK := old[k]
		nv, nOK := new[k]
		if oOK && nOK && ov == nv {
			continue
		}
		diffs = append(diffs, protocol.DiffEntry{Path: k, Old: ov, New: nv})
	}
	return diffs
}
