// Package dispatcher implements the Dispatcher & Mode Gate (C4): routes
// inbound frames to per-type handlers, enforces the three-level operating
// mode (observe/shadow/takeover), correlates replies by request id, and
// applies a soft per-request timeout (spec §4.4).
//
// Grounded on the teacher's pkg/newtron/auth permission-context design
// (a small enum checked before a mutating call proceeds), generalized from a
// service/resource permission model to the three-level mode gate, and on
// pkg/newtron/network/node/changeset.go's apply/rollback pairing for how
// APPLY_CONFIG and ROLLBACK_CONFIG drive adapters.
package dispatcher

import "github.com/meshguard/routerd/internal/agenterr"

// Mode is the agent's current operating level (spec §3).
type Mode string

const (
	ModeObserve  Mode = "observe"
	ModeShadow   Mode = "shadow"
	ModeTakeover Mode = "takeover"
)

// ValidMode reports whether s names a recognized mode.
func ValidMode(s string) bool {
	switch Mode(s) {
	case ModeObserve, ModeShadow, ModeTakeover:
		return true
	default:
		return false
	}
}

// requirement is the minimal mode(s) a message type may be handled under.
type requirement int

const (
	reqAny requirement = iota
	reqShadowOrTakeover
	reqTakeoverOnly
)

func (r requirement) allows(m Mode) bool {
	switch r {
	case reqAny:
		return true
	case reqShadowOrTakeover:
		return m == ModeShadow || m == ModeTakeover
	case reqTakeoverOnly:
		return m == ModeTakeover
	default:
		return false
	}
}

// describe names the minimal mode satisfying this requirement, for
// PERMISSION_DENIED replies.
func (r requirement) describe() string {
	switch r {
	case reqShadowOrTakeover:
		return string(ModeShadow)
	case reqTakeoverOnly:
		return string(ModeTakeover)
	default:
		return string(ModeObserve)
	}
}

// checkMode enforces the gate for a requirement against the current mode.
func checkMode(r requirement, current Mode) error {
	if r.allows(current) {
		return nil
	}
	return agenterr.NewModeError(r.describe(), string(current))
}
