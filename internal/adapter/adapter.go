package adapter

import (
	"context"
	"sync"

	"github.com/meshguard/routerd/protocol"
)

// Adapter is the polymorphic contract every firmware adapter implements
// (spec §4.1). Implementations wrap one native tool (iptables, nvram,
// dnsmasq, wireless controls, wireguard, or system files) and never touch
// the system outside their own Validate/Apply/Rollback/CollectMetrics
// calls.
type Adapter interface {
	// Name returns the adapter's section name, used as the Config
	// artifact's section key.
	Name() string

	// ReadConfig is side-effect-free; it may spawn a short-lived
	// subprocess under a hard deadline. Returns an *agenterr.UnavailableError
	// (wrapping agenterr.ErrUnavailable) if the backing binary is absent.
	ReadConfig(ctx context.Context) ([]byte, error)

	// Validate is a pure function of blob: it must not touch the system.
	// It diffs blob against the adapter's current configuration and
	// reports any structural violations.
	Validate(ctx context.Context, blob []byte) (protocol.DiffReport, error)

	// Apply is the sole mutating call. It snapshots the current config,
	// installs blob atomically at the adapter's natural granularity, and
	// on partial failure rolls back and returns an *agenterr.ApplyError.
	Apply(ctx context.Context, blob []byte) (version int64, err error)

	// Rollback restores the last snapshot; idempotent, a no-op if no
	// snapshot is held.
	Rollback(ctx context.Context) error

	// CollectMetrics returns only the telemetry fields this adapter can
	// supply.
	CollectMetrics(ctx context.Context) (protocol.PartialTelemetry, error)
}

// Base provides the per-adapter mutual-exclusion primitive every adapter
// embeds: mutating calls (Apply/Rollback) are serialized per adapter, while
// reads (ReadConfig/Validate/CollectMetrics) never block on it (spec §4.4
// "Concurrency", §5 "Each adapter owns an internal mutual-exclusion
// primitive guarding its mutating calls; reads never block reads").
//
// Generalizes the teacher's Device.mu sync.RWMutex, split one-per-adapter
// here because each adapter is an independent subsystem rather than a
// single device-wide resource.
type Base struct {
	mu sync.Mutex

	lastSnapshot []byte
	snapshotVer  int64
	haveSnapshot bool

	currentVer int64
}

// lockMutate serializes Apply/Rollback for this adapter.
func (b *Base) lockMutate() func() {
	b.mu.Lock()
	return b.mu.Unlock
}

// snapshot records blob as the pre-apply rollback point, tagged with the
// prior version (spec §3: "at most one snapshot retained per adapter;
// overwritten on the next successful apply").
func (b *Base) snapshot(blob []byte, priorVersion int64) {
	b.lastSnapshot = append([]byte(nil), blob...)
	b.snapshotVer = priorVersion
	b.haveSnapshot = true
}

// discardSnapshot drops the retained snapshot (CONFIRM_VERSION path).
func (b *Base) discardSnapshot() {
	b.lastSnapshot = nil
	b.haveSnapshot = false
}

// HasSnapshot reports whether a rollback snapshot is currently retained.
func (b *Base) HasSnapshot() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.haveSnapshot
}

// CurrentVersion returns the last version Apply returned for this adapter.
func (b *Base) CurrentVersion() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentVer
}

func (b *Base) setVersion(v int64) {
	b.currentVer = v
}

// DiscardSnapshot exposes discardSnapshot for CONFIRM_VERSION handling in
// the dispatcher.
func (b *Base) DiscardSnapshot() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.discardSnapshot()
}
