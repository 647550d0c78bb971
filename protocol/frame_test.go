package protocol

import "testing"

func TestFrameReplyPreservesID(t *testing.T) {
	req, err := NewFrame(TypeGetConfig, GetConfigRequest{Section: "iptables"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	reply, err := req.Reply(TypeConfig, ConfigReply{Section: "iptables", Version: 1})
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if reply.ID != req.ID {
		t.Fatalf("reply id %q != request id %q", reply.ID, req.ID)
	}
	if reply.Type != TypeConfig {
		t.Fatalf("reply type = %q, want CONFIG", reply.Type)
	}
}

func TestFrameDecodeRoundTrip(t *testing.T) {
	f, err := NewFrame(TypeApplyConfig, ApplyConfigRequest{Section: "nvram", Blob: []byte("wan_proto=dhcp")})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	var decoded ApplyConfigRequest
	if err := f.Decode(&decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Section != "nvram" || string(decoded.Blob) != "wan_proto=dhcp" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestDiffReportValid(t *testing.T) {
	clean := DiffReport{Section: "iptables"}
	if !clean.Valid() {
		t.Fatal("report with no violations should be valid")
	}
	dirty := DiffReport{Section: "iptables", Violations: []string{"missing COMMIT"}}
	if dirty.Valid() {
		t.Fatal("report with violations should not be valid")
	}
}

func TestTelemetryFrameMerge(t *testing.T) {
	var frame TelemetryFrame
	cpu := 42.5
	frame.Merge(PartialTelemetry{CPUPercent: &cpu})
	if frame.CPUPercent != 42.5 {
		t.Fatalf("CPUPercent not merged: %+v", frame)
	}

	mem := 10.0
	frame.Merge(PartialTelemetry{MemPercent: &mem})
	if frame.CPUPercent != 42.5 {
		t.Fatal("merging MemPercent clobbered previously merged CPUPercent")
	}
	if frame.MemPercent != 10.0 {
		t.Fatalf("MemPercent not merged: %+v", frame)
	}

	ifaces := map[string]InterfaceCounters{"eth0": {RxBytes: 100}}
	frame.Merge(PartialTelemetry{Interfaces: ifaces})
	if frame.Interfaces["eth0"].RxBytes != 100 {
		t.Fatalf("interfaces not merged: %+v", frame.Interfaces)
	}
}
