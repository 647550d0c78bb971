package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshguard/routerd/internal/agenterr"
	"github.com/meshguard/routerd/protocol"
)

// execOutputBound truncates captured EXEC stdout/stderr (spec §4.4
// "truncated to bound").
const execOutputBound = 16 * 1024

func (d *Dispatcher) handleStatus(ctx context.Context, frame protocol.Frame, current Mode) (protocol.Frame, error) {
	frameTelemetry := protocol.TelemetryFrame{TS: time.Now()}
	for _, name := range d.order {
		partial, err := d.adapters[name].CollectMetrics(ctx)
		if err != nil {
			continue
		}
		frameTelemetry.Merge(partial)
	}
	return frame.Reply(protocol.TypeStatus, protocol.StatusReply{
		Mode:               string(current),
		LastAppliedVersion: d.store.AllLastAppliedVersions(),
		Telemetry:          frameTelemetry,
	})
}

func (d *Dispatcher) handleGetConfig(ctx context.Context, frame protocol.Frame) (protocol.Frame, error) {
	var req protocol.GetConfigRequest
	if err := frame.Decode(&req); err != nil {
		return protocol.Frame{}, err
	}
	a, err := d.adapter(req.Section)
	if err != nil {
		return protocol.Frame{}, err
	}
	blob, err := a.ReadConfig(ctx)
	if err != nil {
		return protocol.Frame{}, err
	}
	return frame.Reply(protocol.TypeConfig, protocol.ConfigReply{
		Section: req.Section,
		Blob:    blob,
		Version: d.store.LastAppliedVersion(req.Section),
	})
}

func (d *Dispatcher) handleValidateConfig(ctx context.Context, frame protocol.Frame) (protocol.Frame, error) {
	var req protocol.ValidateConfigRequest
	if err := frame.Decode(&req); err != nil {
		return protocol.Frame{}, err
	}
	a, err := d.adapter(req.Section)
	if err != nil {
		return protocol.Frame{}, err
	}
	report, err := a.Validate(ctx, req.Blob)
	if err != nil {
		return protocol.Frame{}, err
	}
	return frame.Reply(protocol.TypeValidation, protocol.ValidationReply{
		Section: req.Section,
		Report:  report,
	})
}

// handleApplyConfig implements the shadow/takeover split of spec §4.4: in
// shadow mode it validates and replies with the resulting diff and
// Applied=false, without ever calling Apply; in takeover mode it applies for
// real and persists the new version.
func (d *Dispatcher) handleApplyConfig(ctx context.Context, frame protocol.Frame, current Mode, log *logrus.Entry) (protocol.Frame, error) {
	var req protocol.ApplyConfigRequest
	if err := frame.Decode(&req); err != nil {
		return protocol.Frame{}, err
	}
	a, err := d.adapter(req.Section)
	if err != nil {
		return protocol.Frame{}, err
	}

	report, err := a.Validate(ctx, req.Blob)
	if err != nil {
		return protocol.Frame{}, err
	}

	if current == ModeShadow {
		return frame.Reply(protocol.TypeApplyResult, protocol.ApplyResultReply{
			Section: req.Section,
			Applied: false,
			Version: d.store.LastAppliedVersion(req.Section),
			Diff:    &report,
		})
	}

	if !report.Valid() {
		return frame.Reply(protocol.TypeApplyResult, protocol.ApplyResultReply{
			Section: req.Section,
			Applied: false,
			Diff:    &report,
			Error:   "validation failed",
		})
	}

	// Capture the pre-apply config so the durable rollback snapshot holds
	// the config being replaced, not the one just installed (spec §3
	// "the adapter's pre-apply serialized state").
	preApply, readErr := a.ReadConfig(ctx)
	if readErr != nil {
		log.WithError(readErr).Warn("failed to read pre-apply config, rollback snapshot will not be updated")
	}

	version, applyErr := a.Apply(ctx, req.Blob)
	if applyErr != nil {
		var ae *agenterr.ApplyError
		rolledBack := false
		if e, ok := applyErr.(*agenterr.ApplyError); ok {
			ae = e
			rolledBack = ae.RolledBack
		}
		d.audit.Record("apply_config", req.Section, false, applyErr.Error())
		return frame.Reply(protocol.TypeApplyResult, protocol.ApplyResultReply{
			Section:    req.Section,
			Applied:    false,
			RolledBack: rolledBack,
			Error:      applyErr.Error(),
		})
	}

	if readErr == nil {
		if err := d.store.SaveRollbackSnapshot(req.Section, preApply); err != nil {
			log.WithError(err).Error("failed to persist rollback snapshot")
		}
	}
	if err := d.store.SetLastAppliedVersion(req.Section, version); err != nil {
		log.WithError(err).Error("failed to persist applied version")
	}
	d.audit.Record("apply_config", req.Section, true, "")

	return frame.Reply(protocol.TypeApplyResult, protocol.ApplyResultReply{
		Section: req.Section,
		Applied: true,
		Version: version,
		Diff:    &report,
	})
}

func (d *Dispatcher) handleRollback(ctx context.Context, frame protocol.Frame, log *logrus.Entry) (protocol.Frame, error) {
	var req protocol.RollbackConfigRequest
	if err := frame.Decode(&req); err != nil {
		return protocol.Frame{}, err
	}
	a, err := d.adapter(req.Section)
	if err != nil {
		return protocol.Frame{}, err
	}
	rollbackErr := a.Rollback(ctx)
	d.audit.Record("rollback_config", req.Section, rollbackErr == nil, errString(rollbackErr))
	if rollbackErr != nil {
		return protocol.Frame{}, rollbackErr
	}

	// Rollback restores the prior version; persist that, not the version
	// being rolled back from, and drop the snapshot it just consumed.
	restored := d.store.LastAppliedVersion(req.Section)
	if restored > 0 {
		restored--
	}
	if err := d.store.SetLastAppliedVersion(req.Section, restored); err != nil {
		log.WithError(err).Error("failed to persist version after rollback")
	}
	if err := d.store.DiscardRollbackSnapshot(req.Section); err != nil {
		log.WithError(err).Error("failed to discard rollback snapshot")
	}

	return frame.Reply(protocol.TypeApplyResult, protocol.ApplyResultReply{
		Section:    req.Section,
		Applied:    true,
		Version:    restored,
		RolledBack: true,
	})
}

func (d *Dispatcher) handleExec(ctx context.Context, frame protocol.Frame, log *logrus.Entry) (protocol.Frame, error) {
	var req protocol.ExecRequest
	if err := frame.Decode(&req); err != nil {
		return protocol.Frame{}, err
	}
	if !d.allowed(req.Program) {
		d.audit.Record("exec", req.Program, false, "not in allowlist")
		return protocol.Frame{}, fmt.Errorf("%w: program %q not in allowlist", agenterr.ErrPermissionDenied, req.Program)
	}

	res, err := d.runner.Run(ctx, req.Program, req.Args...)
	d.audit.Record("exec", req.Program, err == nil, errString(err))
	if err != nil {
		return protocol.Frame{}, err
	}

	stdout, truncOut := truncate(res.Stdout, execOutputBound)
	stderr, truncErr := truncate(res.Stderr, execOutputBound)
	return frame.Reply(protocol.TypeExecResult, protocol.ExecResultReply{
		ExitCode:  res.ExitCode,
		Stdout:    stdout,
		Stderr:    stderr,
		Truncated: truncOut || truncErr,
	})
}

func (d *Dispatcher) handleUpdateMode(frame protocol.Frame, log *logrus.Entry) (protocol.Frame, error) {
	var req protocol.UpdateModeRequest
	if err := frame.Decode(&req); err != nil {
		return protocol.Frame{}, err
	}
	if !ValidMode(req.Mode) {
		return protocol.Frame{}, fmt.Errorf("dispatcher: invalid mode %q", req.Mode)
	}
	// Transitions only ever come from the bound owner (spec §3 "whose
	// caller-identity equals the bound owner").
	if owner := d.store.BoundOwner(); req.RequestedBy != owner {
		d.audit.Record("update_mode", req.Mode, false, "requested_by="+req.RequestedBy+" is not the bound owner")
		log.WithField("requested_by", req.RequestedBy).Warn("update_mode rejected: caller is not the bound owner")
		return frame.Reply(protocol.TypePermissionDenied, protocol.PermissionDeniedReply{
			Required: "bound_owner",
			Current:  req.RequestedBy,
		})
	}
	if err := d.store.SetMode(req.Mode); err != nil {
		return protocol.Frame{}, err
	}
	d.audit.Record("update_mode", req.Mode, true, "requested_by="+req.RequestedBy)
	log.WithField("mode", req.Mode).Info("mode updated")
	return frame.Reply(protocol.TypeModeUpdated, protocol.ModeUpdatedReply{Mode: req.Mode})
}

func (d *Dispatcher) handleReboot(frame protocol.Frame, log *logrus.Entry) (protocol.Frame, error) {
	var req protocol.RebootRequest
	if err := frame.Decode(&req); err != nil {
		return protocol.Frame{}, err
	}
	d.audit.Record("reboot", "", true, req.Reason)
	scheduledFor := d.reboot.ScheduleReboot(req.Reason)
	log.WithField("reason", req.Reason).Warn("reboot scheduled")
	return frame.Reply(protocol.TypeRebootScheduled, protocol.RebootScheduledReply{ScheduledFor: scheduledFor})
}

// handleConfirmVersion discards the retained rollback snapshot for a
// section once the control plane confirms a version is good (SPEC_FULL.md
// §9 additive message).
func (d *Dispatcher) handleConfirmVersion(frame protocol.Frame) (protocol.Frame, error) {
	var req protocol.ConfirmVersionRequest
	if err := frame.Decode(&req); err != nil {
		return protocol.Frame{}, err
	}
	if d.store.LastAppliedVersion(req.Section) != req.Version {
		return frame.Reply(protocol.TypeError, protocol.ErrorReply{Message: "version mismatch"})
	}
	if err := d.store.DiscardRollbackSnapshot(req.Section); err != nil {
		return protocol.Frame{}, err
	}
	return frame.Reply(protocol.TypeVersionConfirmed, protocol.VersionConfirmedReply{Section: req.Section})
}

func truncate(s string, bound int) (string, bool) {
	if len(s) <= bound {
		return s, false
	}
	return s[:bound], true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
