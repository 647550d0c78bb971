package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/meshguard/routerd/internal/config"
	"github.com/meshguard/routerd/internal/mockcp"
	"github.com/meshguard/routerd/protocol"
)

// TestEndToEndPingAndModeTransition drives a full agent (session, dispatcher,
// collector, state store) against an in-memory control plane, covering the
// AUTH handshake, a PING round trip, and an UPDATE_MODE transition that
// persists across the running agent (scenario shapes from spec §8
// "Testable Properties").
func TestEndToEndPingAndModeTransition(t *testing.T) {
	cp := mockcp.New()
	defer cp.Close()

	cfg := &config.Config{
		DeviceID:            "router-e2e",
		APIKey:              "secret",
		Owner:               "operator@example.com",
		WebsocketURL:        cp.URL(),
		LogLevel:            "error",
		MetricsIntervalSecs: 3600, // keep telemetry quiet for this scenario
		PingIntervalSecs:    1,
		Adapters:            []string{"system"},
		StateDir:            t.TempDir(),
	}

	sup, err := New(cfg, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	if !cp.WaitConnected(3 * time.Second) {
		t.Fatal("agent never completed AUTH handshake")
	}

	pingFrame, err := cp.Send(protocol.TypePing, struct{}{})
	if err != nil {
		t.Fatalf("send PING: %v", err)
	}
	reply, ok := cp.RecvMatching(protocol.TypePong, 3*time.Second)
	if !ok {
		t.Fatal("never received PONG")
	}
	if reply.ID != pingFrame.ID {
		t.Fatalf("PONG id = %q, want %q", reply.ID, pingFrame.ID)
	}

	updateFrame, err := cp.Send(protocol.TypeUpdateMode, protocol.UpdateModeRequest{
		Mode:        "shadow",
		RequestedBy: "operator@example.com",
	})
	if err != nil {
		t.Fatalf("send UPDATE_MODE: %v", err)
	}
	modeReply, ok := cp.RecvMatching(protocol.TypeModeUpdated, 3*time.Second)
	if !ok {
		t.Fatal("never received MODE_UPDATED")
	}
	if modeReply.ID != updateFrame.ID {
		t.Fatalf("MODE_UPDATED id = %q, want %q", modeReply.ID, updateFrame.ID)
	}
	var modeBody protocol.ModeUpdatedReply
	if err := modeReply.Decode(&modeBody); err != nil {
		t.Fatalf("decode ModeUpdatedReply: %v", err)
	}
	if modeBody.Mode != "shadow" {
		t.Fatalf("ModeUpdatedReply.Mode = %q, want shadow", modeBody.Mode)
	}
	if sup.store.Mode() != "shadow" {
		t.Fatalf("store mode = %q, want shadow", sup.store.Mode())
	}

	statusFrame, err := cp.Send(protocol.TypeStatusRequest, protocol.StatusRequest{})
	if err != nil {
		t.Fatalf("send STATUS_REQUEST: %v", err)
	}
	statusReply, ok := cp.RecvMatching(protocol.TypeStatus, 3*time.Second)
	if !ok {
		t.Fatal("never received STATUS")
	}
	if statusReply.ID != statusFrame.ID {
		t.Fatalf("STATUS id = %q, want %q", statusReply.ID, statusFrame.ID)
	}
	var statusBody protocol.StatusReply
	if err := statusReply.Decode(&statusBody); err != nil {
		t.Fatalf("decode StatusReply: %v", err)
	}
	if statusBody.Mode != "shadow" {
		t.Fatalf("STATUS reported mode = %q, want shadow", statusBody.Mode)
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not shut down in time")
	}
}
