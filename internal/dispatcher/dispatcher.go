package dispatcher

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/meshguard/routerd/internal/adapter"
	"github.com/meshguard/routerd/internal/agenterr"
	"github.com/meshguard/routerd/internal/audit"
	"github.com/meshguard/routerd/internal/logx"
	"github.com/meshguard/routerd/internal/statestore"
	"github.com/meshguard/routerd/protocol"
)

// defaultRequestTimeout is the soft per-request deadline after which the
// dispatcher replies TIMEOUT rather than waiting further (spec §5).
const defaultRequestTimeout = 30 * time.Second

// seenCacheSize bounds the duplicate-frame-id guard. The control plane is
// expected to retry unacknowledged requests across reconnects; this guards
// against handling the same mutating request twice if a reply was produced
// but lost in transit.
const seenCacheSize = 256

// Sender is the subset of the session the dispatcher needs to emit replies.
type Sender interface {
	Send(protocol.Frame) error
}

// Rebooter schedules process-level shutdown-then-reboot; the supervisor
// supplies the real implementation.
type Rebooter interface {
	ScheduleReboot(reason string) time.Time
}

// Dispatcher routes inbound frames to handlers gated by the current mode.
type Dispatcher struct {
	adapters map[string]adapter.Adapter
	order    []string // stable adapter iteration order, for STATUS aggregation
	store    *statestore.Store
	sender   Sender
	runner   *adapter.Runner
	reboot   Rebooter
	allowed  func(program string) bool
	audit    *audit.Logger

	requestTimeout time.Duration
	seen           *lru.Cache[string, struct{}]
}

// New constructs a Dispatcher wired to the given adapters (in enabled
// order), state store, session sender, exec allowlist predicate, a command
// runner for EXEC, an audit sink, and a reboot scheduler.
func New(
	adapters []adapter.Adapter,
	store *statestore.Store,
	sender Sender,
	runner *adapter.Runner,
	allowed func(program string) bool,
	auditLog *audit.Logger,
	reboot Rebooter,
) *Dispatcher {
	byName := make(map[string]adapter.Adapter, len(adapters))
	order := make([]string, 0, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
		order = append(order, a.Name())
	}
	seen, _ := lru.New[string, struct{}](seenCacheSize)
	return &Dispatcher{
		adapters:       byName,
		order:          order,
		store:          store,
		sender:         sender,
		runner:         runner,
		reboot:         reboot,
		allowed:        allowed,
		audit:          auditLog,
		requestTimeout: defaultRequestTimeout,
		seen:           seen,
	}
}

// Handle dispatches one inbound frame, enforcing the mode gate and the
// per-request soft timeout, and sends exactly one reply frame (spec §4.4:
// "every reply carries the request's id"). A frame whose id is still in the
// duplicate-id guard is dropped without a reply.
func (d *Dispatcher) Handle(ctx context.Context, frame protocol.Frame) {
	log := logx.WithRequest(logx.WithComponent(logx.Base(), "dispatcher"), frame.ID)

	if _, dup := d.seen.Get(frame.ID); dup {
		log.Debug("duplicate request id, skipping")
		return
	}
	d.seen.Add(frame.ID, struct{}{})

	reqCtx, cancel := context.WithTimeout(ctx, d.requestTimeout)
	defer cancel()

	type outcome struct {
		reply protocol.Frame
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		reply, err := d.route(reqCtx, frame, log)
		done <- outcome{reply, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			log.WithError(o.err).Warn("handler error")
			d.reply(frame, protocol.TypeError, protocol.ErrorReply{Message: o.err.Error()}, log)
			return
		}
		d.send(o.reply, log)
	case <-reqCtx.Done():
		// A TIMEOUT reply is not a completed outcome: forget this frame id so
		// the control plane's retry of the same request (spec §5) is handled
		// fresh instead of silently dropped as a duplicate.
		d.seen.Remove(frame.ID)
		d.reply(frame, protocol.TypeTimeout, protocol.TimeoutReply{AfterSeconds: d.requestTimeout.Seconds()}, log)
	}
}

func (d *Dispatcher) route(ctx context.Context, frame protocol.Frame, log *logrus.Entry) (protocol.Frame, error) {
	current := Mode(d.store.Mode())

	switch frame.Type {
	case protocol.TypePing:
		return frame.Reply(protocol.TypePong, struct{}{})

	case protocol.TypeStatusRequest:
		return d.handleStatus(ctx, frame, current)

	case protocol.TypeGetConfig:
		return d.handleGetConfig(ctx, frame)

	case protocol.TypeValidateConfig:
		return d.handleValidateConfig(ctx, frame)

	case protocol.TypeApplyConfig:
		if err := checkMode(reqShadowOrTakeover, current); err != nil {
			return d.denyFrame(frame, err), nil
		}
		return d.handleApplyConfig(ctx, frame, current, log)

	case protocol.TypeRollbackConfig:
		if err := checkMode(reqTakeoverOnly, current); err != nil {
			return d.denyFrame(frame, err), nil
		}
		return d.handleRollback(ctx, frame, log)

	case protocol.TypeExec:
		if err := checkMode(reqTakeoverOnly, current); err != nil {
			return d.denyFrame(frame, err), nil
		}
		return d.handleExec(ctx, frame, log)

	case protocol.TypeUpdateMode:
		return d.handleUpdateMode(frame, log)

	case protocol.TypeReboot:
		if err := checkMode(reqTakeoverOnly, current); err != nil {
			return d.denyFrame(frame, err), nil
		}
		return d.handleReboot(frame, log)

	case protocol.TypeConfirmVersion:
		return d.handleConfirmVersion(frame)

	default:
		return frame.Reply(protocol.TypeUnknownMessage, protocol.UnknownMessageReply{Type: string(frame.Type)})
	}
}

func (d *Dispatcher) denyFrame(frame protocol.Frame, err error) protocol.Frame {
	var modeErr *agenterr.ModeError
	required, current := "takeover", ""
	if e, ok := err.(*agenterr.ModeError); ok {
		modeErr = e
		required, current = modeErr.Required, modeErr.Current
	}
	reply, _ := frame.Reply(protocol.TypePermissionDenied, protocol.PermissionDeniedReply{
		Required: required,
		Current:  current,
	})
	return reply
}

func (d *Dispatcher) reply(frame protocol.Frame, t protocol.MessageType, payload any, log *logrus.Entry) {
	reply, err := frame.Reply(t, payload)
	if err != nil {
		log.WithError(err).Error("failed to build reply frame")
		return
	}
	d.send(reply, log)
}

func (d *Dispatcher) send(frame protocol.Frame, log *logrus.Entry) {
	if err := d.sender.Send(frame); err != nil {
		log.WithError(err).Warn("failed to send reply")
	}
}

func (d *Dispatcher) adapter(name string) (adapter.Adapter, error) {
	a, ok := d.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", agenterr.ErrUnknownSection, name)
	}
	return a, nil
}
