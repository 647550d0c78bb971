// Package supervisor owns construction, wiring, and teardown of every other
// component (C6, spec §4.6). It is the only place component lifetimes are
// decided; no other package constructs a sibling component.
//
// Grounded on the teacher's cmd/newtron/main.go top-level wiring (settings
// load, then device/session construction in a fixed order) and on
// golang.org/x/sync/errgroup's use across the pack for supervising several
// long-lived tasks with first-error propagation.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/meshguard/routerd/internal/adapter"
	"github.com/meshguard/routerd/internal/audit"
	"github.com/meshguard/routerd/internal/collector"
	"github.com/meshguard/routerd/internal/config"
	"github.com/meshguard/routerd/internal/dispatcher"
	"github.com/meshguard/routerd/internal/logx"
	"github.com/meshguard/routerd/internal/metrics"
	"github.com/meshguard/routerd/internal/session"
	"github.com/meshguard/routerd/internal/statestore"
	"github.com/meshguard/routerd/protocol"
)

// Exit codes (spec §6).
const (
	ExitOK            = 0
	ExitConfigError   = 1
	ExitStateStoreErr = 2
	ExitIdentityErr   = 3
)

// replyGrace bounds how long shutdown waits for in-flight replies to flush
// (spec §4.6 default 2s).
const replyGrace = 2 * time.Second

// Supervisor owns every long-lived component and its shutdown ordering.
type Supervisor struct {
	cfg       *config.Config
	store     *statestore.Store
	adapters  []adapter.Adapter
	collector *collector.Collector
	session   *session.Session
	dispatch  *dispatcher.Dispatcher
	auditLog  *audit.Logger
	metricsSv *metrics.Server

	rebootAt time.Time
}

// New performs the full construction sequence of spec §4.6 steps 1-5,
// returning a Supervisor with the collector still suspended (step 6,
// Release, happens in Run once the task group is live).
func New(cfg *config.Config, metricsAddr string) (*Supervisor, error) {
	store, err := statestore.Open(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateStore, err)
	}

	if existingID, _ := store.DeviceIdentity(); existingID == "" {
		if cfg.DeviceID == "" {
			store.Close()
			return nil, ErrIdentity
		}
		if err := store.SetDeviceIdentity(cfg.DeviceID, hashAPIKey(cfg.APIKey)); err != nil {
			store.Close()
			return nil, fmt.Errorf("%w: %v", ErrStateStore, err)
		}
	}

	if store.BoundOwner() == "" {
		if cfg.Owner == "" {
			store.Close()
			return nil, ErrIdentity
		}
		if err := store.SetBoundOwner(cfg.Owner); err != nil {
			store.Close()
			return nil, fmt.Errorf("%w: %v", ErrStateStore, err)
		}
	}

	adapters := buildAdapters(cfg)

	coll := collector.New(adapters, cfg.MetricsInterval())

	persistedID, _ := store.DeviceIdentity()
	sess := session.New(cfg.WebsocketURL, session.Identity{
		DeviceID:        persistedID,
		APIKey:          cfg.APIKey,
		FirmwareVersion: firmwareVersion(),
	}, cfg.PingInterval())

	auditLog, err := audit.NewFileLogger(cfg.StateDir + "/audit.log")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: %v", ErrStateStore, err)
	}

	s := &Supervisor{
		cfg:       cfg,
		store:     store,
		adapters:  adapters,
		collector: coll,
		session:   sess,
		auditLog:  auditLog,
	}

	s.dispatch = dispatcher.New(adapters, store, sess, adapter.NewRunner(), cfg.Allowed, auditLog, s)

	if metricsAddr != "" {
		s.metricsSv = metrics.NewServer(metricsAddr)
	}

	return s, nil
}

// Run starts every task and blocks until one fails or ctx is cancelled,
// then tears down in the order of spec §4.6's shutdown sequence.
func (s *Supervisor) Run(ctx context.Context) error {
	log := logx.WithComponent(logx.Base(), "supervisor")

	g, gctx := errgroup.WithContext(ctx)

	// drainCtx outlives gctx by replyGrace: the session and any in-flight
	// dispatcher handler keep running on it so a reply already being built
	// when shutdown starts still has a window to reach the wire, instead of
	// being cut off the instant gctx cancels. Watching gctx rather than ctx
	// means this also fires (after the grace period) if some other task
	// errors out first, so g.Wait() can never block forever on session.Run.
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	go func() {
		<-gctx.Done()
		time.Sleep(replyGrace)
		cancelDrain()
	}()
	defer cancelDrain()

	g.Go(func() error { return s.session.Run(drainCtx) })
	g.Go(func() error { return s.collector.Run(gctx) })
	g.Go(func() error { return s.forwardTelemetry(gctx) })
	g.Go(func() error { return s.dispatchLoop(gctx, drainCtx) })
	if s.metricsSv != nil {
		g.Go(func() error { return s.metricsSv.Run(gctx) })
	}

	s.collector.Release()
	log.Info("supervisor started")

	err := g.Wait()
	s.shutdown(log)
	return err
}

// dispatchLoop feeds every frame the session receives to the dispatcher.
// ctx governs whether new frames are still accepted; handleCtx is handed to
// each dispatcher.Handle call and only ends once the shutdown grace period
// elapses, so a handler already running when ctx cancels can still finish
// and reply.
func (s *Supervisor) dispatchLoop(ctx, handleCtx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-s.session.Inbound():
			if !ok {
				return nil
			}
			go s.dispatch.Handle(handleCtx, frame)
		}
	}
}

// forwardTelemetry relays collector frames to the session as METRICS
// messages. It only pulls a frame off the collector once the session can
// actually accept it, so a disconnected or backed-up session leaves frames
// queued in the collector's own bounded outbox (spec §4.2 drop-oldest
// backpressure) instead of being read and silently discarded here.
func (s *Supervisor) forwardTelemetry(ctx context.Context) error {
	log := logx.WithComponent(logx.Base(), "supervisor")
	const pollInterval = 200 * time.Millisecond

	for {
		if s.session.State() != session.Established {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollInterval):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-s.collector.Frames():
			if !ok {
				return nil
			}
			frame, err := protocol.NewFrame(protocol.TypeMetrics, t)
			if err != nil {
				continue
			}
			if err := s.session.Send(frame); err != nil {
				log.WithError(err).Warn("failed to forward telemetry frame, dropped")
			}
		}
	}
}

// ScheduleReboot implements dispatcher.Rebooter. The reboot itself runs
// after replyGrace so the REBOOT_SCHEDULED reply has a chance to flush.
func (s *Supervisor) ScheduleReboot(reason string) time.Time {
	s.rebootAt = time.Now().Add(replyGrace)
	go func() {
		time.Sleep(replyGrace)
		runner := adapter.NewRunner()
		_, _ = runner.Run(context.Background(), "reboot")
	}()
	return s.rebootAt
}

// shutdown implements spec §4.6's exact teardown order: stop accepting
// inbound, flush pending replies with a short grace deadline, stop
// collector, close session, flush state store. The grace deadline itself is
// already spent by the time Run's errgroup returns: session.Run keeps the
// connection open on drainCtx until replyGrace after ctx is cancelled, so
// in-flight dispatcher replies have a real chance to reach the wire.
func (s *Supervisor) shutdown(log *logrus.Entry) {
	log.Info("shutting down")
	if err := s.store.Close(); err != nil {
		log.WithError(err).Error("error closing state store")
	}
	if err := s.auditLog.Close(); err != nil {
		log.WithError(err).Error("error closing audit log")
	}
	log.Info("shutdown complete")
}

func firmwareVersion() string {
	return ""
}

// BuildAdaptersForDiag constructs the same adapter set Run would, for use
// by the read-only diagnostic shell (cmd/routerd diag) without starting the
// rest of the agent.
func BuildAdaptersForDiag(cfg *config.Config) []adapter.Adapter {
	return buildAdapters(cfg)
}

func buildAdapters(cfg *config.Config) []adapter.Adapter {
	runner := adapter.NewRunner()
	var out []adapter.Adapter
	if cfg.HasAdapter("iptables") {
		out = append(out, adapter.NewIPTables(runner))
	}
	if cfg.HasAdapter("nvram") {
		out = append(out, adapter.NewNVRAM(runner))
	}
	if cfg.HasAdapter("dnsmasq") {
		out = append(out, adapter.NewDnsmasq(runner, "/etc/dnsmasq.conf", nil))
	}
	if cfg.HasAdapter("wifi") {
		out = append(out, adapter.NewWiFi(runner, "wl", []string{"eth5", "eth6"}))
	}
	if cfg.HasAdapter("wireguard") {
		out = append(out, adapter.NewWireGuard(runner, "wg0"))
	}
	if cfg.HasAdapter("system") {
		out = append(out, adapter.NewSystem())
	}
	return out
}
