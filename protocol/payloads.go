package protocol

import "time"

// AuthRequest is the mandatory first outbound frame payload of every
// session (spec §6).
type AuthRequest struct {
	DeviceID        string `json:"device_id"`
	APIKey          string `json:"api_key"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// AuthOK is the inbound reply accepting the session.
type AuthOK struct {
	ServerTime time.Time `json:"server_time"`
}

// AuthFail is the inbound reply rejecting the session; after receiving it
// the session closes and retries are subject to backoff (spec §6).
type AuthFail struct {
	Reason string `json:"reason"`
}

// InterfaceCounters is per-interface telemetry (spec §3 telemetry frame).
type InterfaceCounters struct {
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
	RxPkts  uint64 `json:"rx_pkts"`
	TxPkts  uint64 `json:"tx_pkts"`
}

// ConnectionCounts summarizes active transport-layer connections.
type ConnectionCounts struct {
	TCP uint32 `json:"tcp"`
	UDP uint32 `json:"udp"`
}

// DNSStats is optional DNS telemetry, present only when a dnsmasq-capable
// adapter is enabled.
type DNSStats struct {
	Queries uint64 `json:"queries"`
	Blocked uint64 `json:"blocked"`
}

// TelemetryFrame is the METRICS payload, built by the collector (spec §3, §4.2).
type TelemetryFrame struct {
	TS          time.Time                    `json:"ts"`
	CPUPercent  float64                      `json:"cpu_pct"`
	MemPercent  float64                      `json:"mem_pct"`
	Load1       float64                      `json:"load_1"`
	Load5       float64                      `json:"load_5"`
	Load15      float64                      `json:"load_15"`
	UptimeS     uint64                       `json:"uptime_s"`
	TempC       *float64                     `json:"temp_c,omitempty"`
	Interfaces  map[string]InterfaceCounters `json:"interfaces"`
	Connections ConnectionCounts             `json:"connections"`
	DNS         *DNSStats                    `json:"dns,omitempty"`
}

// Merge overlays a partial telemetry contribution from one adapter onto the
// frame being assembled by the collector. Later non-zero optional fields
// win; interface maps are unioned per-key.
func (t *TelemetryFrame) Merge(p PartialTelemetry) {
	if p.CPUPercent != nil {
		t.CPUPercent = *p.CPUPercent
	}
	if p.MemPercent != nil {
		t.MemPercent = *p.MemPercent
	}
	if p.Load1 != nil {
		t.Load1, t.Load5, t.Load15 = p.Load1[0], p.Load1[1], p.Load1[2]
	}
	if p.UptimeS != nil {
		t.UptimeS = *p.UptimeS
	}
	if p.TempC != nil {
		t.TempC = p.TempC
	}
	if len(p.Interfaces) > 0 {
		if t.Interfaces == nil {
			t.Interfaces = make(map[string]InterfaceCounters, len(p.Interfaces))
		}
		for name, c := range p.Interfaces {
			t.Interfaces[name] = c
		}
	}
	if p.Connections != nil {
		t.Connections = *p.Connections
	}
	if p.DNS != nil {
		t.DNS = p.DNS
	}
}

// PartialTelemetry is what a single adapter's collect_metrics() call
// returns; every field is optional because not all adapters supply all
// fields (spec §3, §4.1).
type PartialTelemetry struct {
	CPUPercent  *float64
	MemPercent  *float64
	Load1       *[3]float64
	UptimeS     *uint64
	TempC       *float64
	Interfaces  map[string]InterfaceCounters
	Connections *ConnectionCounts
	DNS         *DNSStats
}

// StatusRequest carries no fields; it is a trigger only.
type StatusRequest struct{}

// StatusReply is the STATUS payload, sent in reply to STATUS_REQUEST. It
// carries the last-applied config version per section from the state
// store, so the first STATUS after a restart reports the persisted versions
// (spec §3: "persisted; on restart, the agent reports it in the first STATUS
// frame"). The agent does not send STATUS unprompted after (re)connect.
type StatusReply struct {
	Mode               string           `json:"mode"`
	LastAppliedVersion map[string]int64 `json:"last_applied_version"`
	Telemetry          TelemetryFrame   `json:"telemetry"`
}

// GetConfigRequest asks for one adapter's current configuration.
type GetConfigRequest struct {
	Section string `json:"section"`
}

// ConfigReply carries the requested section's current blob.
type ConfigReply struct {
	Section string `json:"section"`
	Blob    []byte `json:"blob"`
	Version int64  `json:"version"`
}

// DiffEntry is one structural difference between a proposed blob and the
// adapter's current configuration.
type DiffEntry struct {
	Path string `json:"path"`
	Old  string `json:"old,omitempty"`
	New  string `json:"new,omitempty"`
}

// DiffReport is produced by an adapter's validate() call: a structural diff
// plus any validation violations (spec §4.1).
type DiffReport struct {
	Section    string      `json:"section"`
	Diffs      []DiffEntry `json:"diffs"`
	Violations []string    `json:"violations,omitempty"`
}

// Valid reports whether the proposed blob has no validation violations.
func (d DiffReport) Valid() bool { return len(d.Violations) == 0 }

// String renders a human-readable preview, generalized from the teacher's
// ChangeSet.Preview()/String().
func (d DiffReport) String() string {
	s := "section: " + d.Section + "\n"
	if len(d.Violations) > 0 {
		s += "violations:\n"
		for _, v := range d.Violations {
			s += "  - " + v + "\n"
		}
	}
	if len(d.Diffs) == 0 {
		s += "no changes\n"
		return s
	}
	s += "changes:\n"
	for _, e := range d.Diffs {
		s += "  " + e.Path + ": " + e.Old + " -> " + e.New + "\n"
	}
	return s
}

// ValidateConfigRequest asks an adapter to validate a proposed blob without
// applying it.
type ValidateConfigRequest struct {
	Section string `json:"section"`
	Blob    []byte `json:"blob"`
}

// ValidationReply carries the diff report produced by validate().
type ValidationReply struct {
	Section string     `json:"section"`
	Report  DiffReport `json:"report"`
}

// ApplyConfigRequest asks the dispatcher to apply (takeover) or dry-run
// (shadow) a proposed blob.
type ApplyConfigRequest struct {
	Section string `json:"section"`
	Blob    []byte `json:"blob"`
}

// ApplyResultReply is the outcome of an APPLY_CONFIG dispatch, in both
// shadow (Applied=false, Diff populated) and takeover (Applied=true,
// Version populated) modes.
type ApplyResultReply struct {
	Section    string      `json:"section"`
	Applied    bool        `json:"applied"`
	Version    int64       `json:"version,omitempty"`
	Diff       *DiffReport `json:"diff,omitempty"`
	RolledBack bool        `json:"rolled_back,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// RollbackConfigRequest asks the named adapter to restore its last
// snapshot.
type RollbackConfigRequest struct {
	Section string `json:"section"`
}

// ExecRequest asks the agent to invoke an allowlisted program (takeover
// only).
type ExecRequest struct {
	Program string   `json:"program"`
	Args    []string `json:"args"`
}

// ExecResultReply reports the outcome of an EXEC dispatch, output
// truncated to a bound (spec §4.4).
type ExecResultReply struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Truncated bool  `json:"truncated"`
}

// UpdateModeRequest asks for a mode transition; only honored when the
// caller identity equals the bound owner (spec §3).
type UpdateModeRequest struct {
	Mode      string `json:"mode"`
	RequestedBy string `json:"requested_by"`
}

// ModeUpdatedReply confirms the new operating mode.
type ModeUpdatedReply struct {
	Mode string `json:"mode"`
}

// ConfirmVersionRequest discards the retained rollback snapshot for a
// section once the control plane has confirmed the applied version is
// good (spec §3, SPEC_FULL.md §9).
type ConfirmVersionRequest struct {
	Section string `json:"section"`
	Version int64  `json:"version"`
}

// VersionConfirmedReply acknowledges a ConfirmVersionRequest.
type VersionConfirmedReply struct {
	Section string `json:"section"`
}

// RebootRequest schedules an orderly shutdown followed by reboot.
type RebootRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RebootScheduledReply is sent immediately, before shutdown begins.
type RebootScheduledReply struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// PermissionDeniedReply reports the mode gate refusal.
type PermissionDeniedReply struct {
	Required string `json:"required"`
	Current  string `json:"current"`
}

// TimeoutReply reports a per-request soft timeout (spec §5).
type TimeoutReply struct {
	AfterSeconds float64 `json:"after_seconds"`
}

// UnknownMessageReply reports an inbound frame of an unrecognized type.
type UnknownMessageReply struct {
	Type string `json:"type"`
}

// ErrorReply is the catch-all for conditions spec §7 says must be surfaced
// through a reply frame rather than raised upward.
type ErrorReply struct {
	Message string `json:"message"`
}
