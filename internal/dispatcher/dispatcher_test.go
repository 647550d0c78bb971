package dispatcher

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meshguard/routerd/internal/adapter"
	"github.com/meshguard/routerd/internal/audit"
	"github.com/meshguard/routerd/internal/statestore"
	"github.com/meshguard/routerd/protocol"
)

// fakeAdapter is a minimal in-memory stand-in for a firmware adapter.
type fakeAdapter struct {
	name       string
	blob       []byte
	valid      bool
	applyVer   int64
	applyErr   error
	rollbackOK bool

	// validateDelay, if set, is slept through on only the first Validate
	// call, to simulate a slow handler that blows past the dispatcher's
	// request timeout.
	validateDelay time.Duration
	validateCalls atomic.Int32
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) ReadConfig(ctx context.Context) ([]byte, error) {
	return f.blob, nil
}
func (f *fakeAdapter) Validate(ctx context.Context, blob []byte) (protocol.DiffReport, error) {
	if f.validateCalls.Add(1) == 1 && f.validateDelay > 0 {
		time.Sleep(f.validateDelay)
	}
	if f.valid {
		return protocol.DiffReport{}, nil
	}
	return protocol.DiffReport{Violations: []string{"bad config"}}, nil
}
func (f *fakeAdapter) Apply(ctx context.Context, blob []byte) (int64, error) {
	if f.applyErr != nil {
		return 0, f.applyErr
	}
	return f.applyVer, nil
}
func (f *fakeAdapter) Rollback(ctx context.Context) error {
	if f.rollbackOK {
		return nil
	}
	return nil
}
func (f *fakeAdapter) CollectMetrics(ctx context.Context) (protocol.PartialTelemetry, error) {
	return protocol.PartialTelemetry{}, nil
}

// fakeSender captures every frame sent, for assertions.
type fakeSender struct {
	sent []protocol.Frame
}

func (s *fakeSender) Send(f protocol.Frame) error {
	s.sent = append(s.sent, f)
	return nil
}

func (s *fakeSender) last() protocol.Frame {
	if len(s.sent) == 0 {
		return protocol.Frame{}
	}
	return s.sent[len(s.sent)-1]
}

type fakeRebooter struct {
	reason string
	called bool
}

func (r *fakeRebooter) ScheduleReboot(reason string) time.Time {
	r.called = true
	r.reason = reason
	return time.Now().Add(2 * time.Second)
}

func newTestDispatcher(t *testing.T, a *fakeAdapter, mode string) (*Dispatcher, *statestore.Store, *fakeSender, *fakeRebooter) {
	t.Helper()
	store, err := statestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.SetMode(mode); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := store.SetBoundOwner("operator@example.com"); err != nil {
		t.Fatalf("SetBoundOwner: %v", err)
	}

	auditLog, err := audit.NewFileLogger(filepath.Join(t.TempDir(), "audit.log"))
	if err != nil {
		t.Fatalf("audit.NewFileLogger: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	sender := &fakeSender{}
	reboot := &fakeRebooter{}
	allowed := func(program string) bool { return program == "ping" }

	var adapters []adapter.Adapter
	if a != nil {
		adapters = []adapter.Adapter{a}
	}

	d := New(adapters, store, sender, adapter.NewRunner(), allowed, auditLog, reboot)
	return d, store, sender, reboot
}

func handleAndWait(t *testing.T, d *Dispatcher, frame protocol.Frame) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		d.Handle(context.Background(), frame)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return in time")
	}
}

func TestHandlePing(t *testing.T) {
	d, _, sender, _ := newTestDispatcher(t, nil, "observe")
	frame, _ := protocol.NewFrame(protocol.TypePing, struct{}{})
	handleAndWait(t, d, frame)

	last := sender.last()
	if last.Type != protocol.TypePong {
		t.Fatalf("reply type = %q, want PONG", last.Type)
	}
	if last.ID != frame.ID {
		t.Fatalf("reply id = %q, want %q", last.ID, frame.ID)
	}
}

func TestHandleApplyConfigShadowDoesNotApply(t *testing.T) {
	a := &fakeAdapter{name: "iptables", valid: true, applyVer: 5}
	d, store, sender, _ := newTestDispatcher(t, a, "shadow")

	frame, _ := protocol.NewFrame(protocol.TypeApplyConfig, protocol.ApplyConfigRequest{
		Section: "iptables",
		Blob:    []byte("new-rules"),
	})
	handleAndWait(t, d, frame)

	var reply protocol.ApplyResultReply
	last := sender.last()
	if last.Type != protocol.TypeApplyResult {
		t.Fatalf("reply type = %q, want APPLY_RESULT", last.Type)
	}
	if err := last.Decode(&reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Applied {
		t.Fatal("shadow mode must never actually apply")
	}
	if store.LastAppliedVersion("iptables") != 0 {
		t.Fatal("shadow mode must not persist a version")
	}
}

func TestHandleApplyConfigTakeoverAppliesAndPersists(t *testing.T) {
	// blob is what ReadConfig returns, i.e. the config in place before this
	// apply; that pre-apply content is what must land in the durable
	// rollback snapshot, not the newly applied blob.
	a := &fakeAdapter{name: "iptables", blob: []byte("old-rules"), valid: true, applyVer: 5}
	d, store, sender, _ := newTestDispatcher(t, a, "takeover")

	frame, _ := protocol.NewFrame(protocol.TypeApplyConfig, protocol.ApplyConfigRequest{
		Section: "iptables",
		Blob:    []byte("new-rules"),
	})
	handleAndWait(t, d, frame)

	var reply protocol.ApplyResultReply
	last := sender.last()
	if err := last.Decode(&reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reply.Applied || reply.Version != 5 {
		t.Fatalf("reply = %+v, want applied version=5", reply)
	}
	if store.LastAppliedVersion("iptables") != 5 {
		t.Fatalf("store version = %d, want 5", store.LastAppliedVersion("iptables"))
	}
	if blob, ok := store.RollbackSnapshot("iptables"); !ok || string(blob) != "old-rules" {
		t.Fatalf("rollback snapshot = %q, ok=%v, want the pre-apply blob %q", blob, ok, "old-rules")
	}
}

func TestHandleApplyConfigRejectedWhenObserve(t *testing.T) {
	a := &fakeAdapter{name: "iptables", valid: true}
	d, _, sender, _ := newTestDispatcher(t, a, "observe")

	frame, _ := protocol.NewFrame(protocol.TypeApplyConfig, protocol.ApplyConfigRequest{Section: "iptables"})
	handleAndWait(t, d, frame)

	last := sender.last()
	if last.Type != protocol.TypePermissionDenied {
		t.Fatalf("reply type = %q, want PERMISSION_DENIED", last.Type)
	}
}

func TestHandleExecRejectsProgramNotInAllowlist(t *testing.T) {
	d, _, sender, _ := newTestDispatcher(t, nil, "takeover")
	frame, _ := protocol.NewFrame(protocol.TypeExec, protocol.ExecRequest{Program: "rm", Args: []string{"-rf", "/"}})
	handleAndWait(t, d, frame)

	last := sender.last()
	if last.Type != protocol.TypeError {
		t.Fatalf("reply type = %q, want ERROR for disallowed program", last.Type)
	}
}

func TestHandleExecRejectedWhenShadow(t *testing.T) {
	d, _, sender, _ := newTestDispatcher(t, nil, "shadow")
	frame, _ := protocol.NewFrame(protocol.TypeExec, protocol.ExecRequest{Program: "ping"})
	handleAndWait(t, d, frame)

	last := sender.last()
	if last.Type != protocol.TypePermissionDenied {
		t.Fatalf("reply type = %q, want PERMISSION_DENIED", last.Type)
	}
}

func TestHandleUpdateMode(t *testing.T) {
	d, store, sender, _ := newTestDispatcher(t, nil, "observe")
	frame, _ := protocol.NewFrame(protocol.TypeUpdateMode, protocol.UpdateModeRequest{Mode: "shadow", RequestedBy: "operator@example.com"})
	handleAndWait(t, d, frame)

	if store.Mode() != "shadow" {
		t.Fatalf("store mode = %q, want shadow", store.Mode())
	}
	last := sender.last()
	if last.Type != protocol.TypeModeUpdated {
		t.Fatalf("reply type = %q, want MODE_UPDATED", last.Type)
	}
}

func TestHandleUpdateModeRejectsUnboundCaller(t *testing.T) {
	d, store, sender, _ := newTestDispatcher(t, nil, "observe")
	frame, _ := protocol.NewFrame(protocol.TypeUpdateMode, protocol.UpdateModeRequest{
		Mode:        "takeover",
		RequestedBy: "attacker@example.com",
	})
	handleAndWait(t, d, frame)

	if store.Mode() != "observe" {
		t.Fatalf("store mode = %q, want unchanged observe", store.Mode())
	}
	last := sender.last()
	if last.Type != protocol.TypePermissionDenied {
		t.Fatalf("reply type = %q, want PERMISSION_DENIED", last.Type)
	}
	var reply protocol.PermissionDeniedReply
	if err := last.Decode(&reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.Required != "bound_owner" {
		t.Fatalf("reply.Required = %q, want bound_owner", reply.Required)
	}
}

func TestHandleRebootRequiresTakeover(t *testing.T) {
	d, _, sender, reboot := newTestDispatcher(t, nil, "shadow")
	frame, _ := protocol.NewFrame(protocol.TypeReboot, protocol.RebootRequest{Reason: "firmware update"})
	handleAndWait(t, d, frame)

	if reboot.called {
		t.Fatal("reboot should not be scheduled outside takeover mode")
	}
	last := sender.last()
	if last.Type != protocol.TypePermissionDenied {
		t.Fatalf("reply type = %q, want PERMISSION_DENIED", last.Type)
	}
}

func TestHandleRebootInTakeover(t *testing.T) {
	d, _, sender, reboot := newTestDispatcher(t, nil, "takeover")
	frame, _ := protocol.NewFrame(protocol.TypeReboot, protocol.RebootRequest{Reason: "firmware update"})
	handleAndWait(t, d, frame)

	if !reboot.called || reboot.reason != "firmware update" {
		t.Fatalf("reboot not scheduled correctly: called=%v reason=%q", reboot.called, reboot.reason)
	}
	last := sender.last()
	if last.Type != protocol.TypeRebootScheduled {
		t.Fatalf("reply type = %q, want REBOOT_SCHEDULED", last.Type)
	}
}

func TestHandleConfirmVersionMismatch(t *testing.T) {
	a := &fakeAdapter{name: "nvram"}
	d, store, sender, _ := newTestDispatcher(t, a, "takeover")
	if err := store.SetLastAppliedVersion("nvram", 3); err != nil {
		t.Fatalf("SetLastAppliedVersion: %v", err)
	}
	if err := store.SaveRollbackSnapshot("nvram", []byte("old")); err != nil {
		t.Fatalf("SaveRollbackSnapshot: %v", err)
	}

	frame, _ := protocol.NewFrame(protocol.TypeConfirmVersion, protocol.ConfirmVersionRequest{Section: "nvram", Version: 99})
	handleAndWait(t, d, frame)

	last := sender.last()
	if last.Type != protocol.TypeError {
		t.Fatalf("reply type = %q, want ERROR for version mismatch", last.Type)
	}
	if _, ok := store.RollbackSnapshot("nvram"); !ok {
		t.Fatal("snapshot should be retained on version mismatch")
	}
}

func TestHandleConfirmVersionDiscardsSnapshot(t *testing.T) {
	a := &fakeAdapter{name: "nvram"}
	d, store, sender, _ := newTestDispatcher(t, a, "takeover")
	if err := store.SetLastAppliedVersion("nvram", 3); err != nil {
		t.Fatalf("SetLastAppliedVersion: %v", err)
	}
	if err := store.SaveRollbackSnapshot("nvram", []byte("old")); err != nil {
		t.Fatalf("SaveRollbackSnapshot: %v", err)
	}

	frame, _ := protocol.NewFrame(protocol.TypeConfirmVersion, protocol.ConfirmVersionRequest{Section: "nvram", Version: 3})
	handleAndWait(t, d, frame)

	last := sender.last()
	if last.Type != protocol.TypeVersionConfirmed {
		t.Fatalf("reply type = %q, want VERSION_CONFIRMED", last.Type)
	}
	if _, ok := store.RollbackSnapshot("nvram"); ok {
		t.Fatal("snapshot should be discarded on matching version")
	}
}

func TestHandleRollbackPersistsRestoredVersion(t *testing.T) {
	a := &fakeAdapter{name: "iptables", rollbackOK: true}
	d, store, sender, _ := newTestDispatcher(t, a, "takeover")
	if err := store.SetLastAppliedVersion("iptables", 5); err != nil {
		t.Fatalf("SetLastAppliedVersion: %v", err)
	}
	if err := store.SaveRollbackSnapshot("iptables", []byte("v4-rules")); err != nil {
		t.Fatalf("SaveRollbackSnapshot: %v", err)
	}

	frame, _ := protocol.NewFrame(protocol.TypeRollbackConfig, protocol.RollbackConfigRequest{Section: "iptables"})
	handleAndWait(t, d, frame)

	var reply protocol.ApplyResultReply
	last := sender.last()
	if last.Type != protocol.TypeApplyResult {
		t.Fatalf("reply type = %q, want APPLY_RESULT", last.Type)
	}
	if err := last.Decode(&reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reply.RolledBack || reply.Version != 4 {
		t.Fatalf("reply = %+v, want rolled back to version 4", reply)
	}
	if got := store.LastAppliedVersion("iptables"); got != 4 {
		t.Fatalf("store version = %d, want 4 (the version rollback restored)", got)
	}
	if _, ok := store.RollbackSnapshot("iptables"); ok {
		t.Fatal("rollback snapshot should be discarded once consumed by a rollback")
	}
}

func TestHandleTimeoutAllowsRetry(t *testing.T) {
	a := &fakeAdapter{name: "iptables", valid: true, validateDelay: 150 * time.Millisecond}
	d, _, sender, _ := newTestDispatcher(t, a, "takeover")
	d.requestTimeout = 50 * time.Millisecond

	frame, _ := protocol.NewFrame(protocol.TypeValidateConfig, protocol.ValidateConfigRequest{Section: "iptables"})
	handleAndWait(t, d, frame)

	if last := sender.last(); last.Type != protocol.TypeTimeout {
		t.Fatalf("reply type = %q, want TIMEOUT", last.Type)
	}

	// Let the stale in-flight handler from the first call actually finish
	// before retrying with the same frame id.
	time.Sleep(200 * time.Millisecond)

	handleAndWait(t, d, frame)
	if last := sender.last(); last.Type != protocol.TypeValidation {
		t.Fatalf("retry after TIMEOUT got reply %q, want it handled fresh instead of dropped as a duplicate", last.Type)
	}
}

func TestHandleUnknownMessage(t *testing.T) {
	d, _, sender, _ := newTestDispatcher(t, nil, "observe")
	frame, _ := protocol.NewFrame(protocol.MessageType("BOGUS"), struct{}{})
	handleAndWait(t, d, frame)

	last := sender.last()
	if last.Type != protocol.TypeUnknownMessage {
		t.Fatalf("reply type = %q, want UNKNOWN_MESSAGE", last.Type)
	}
}

func TestHandleDuplicateFrameIDIgnored(t *testing.T) {
	d, _, sender, _ := newTestDispatcher(t, nil, "observe")
	frame, _ := protocol.NewFrame(protocol.TypePing, struct{}{})
	handleAndWait(t, d, frame)
	handleAndWait(t, d, frame)

	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one reply for a duplicate frame id, got %d", len(sender.sent))
	}
}
