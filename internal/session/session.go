// Package session implements the Connection Session (C3): the duplex
// websocket link to the cloud control plane, its AUTH handshake, keepalive,
// and reconnect-with-backoff behavior (spec §4.3).
//
// Grounded on wudi-gateway's internal/cluster/dp/client.go connect-loop
// shape (exponential backoff around a single long-lived stream, a recv
// goroutine feeding a channel, a ticker-driven keepalive), adapted from gRPC
// streaming to a gorilla/websocket duplex connection and from a generic
// NodeMessage envelope to the Frame{ID,Type,Payload} wire format.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/meshguard/routerd/internal/agenterr"
	"github.com/meshguard/routerd/internal/logx"
	"github.com/meshguard/routerd/protocol"
)

// missedKeepaliveLimit is the number of consecutive missed pong responses
// before the session is considered dead (spec §4.3 "two missed keepalives
// force a reconnect").
const missedKeepaliveLimit = 2

const writeWait = 10 * time.Second

// Identity carries the credentials sent in the first outbound frame.
type Identity struct {
	DeviceID        string
	APIKey          string
	FirmwareVersion string
}

// Session owns one websocket connection to the control plane at a time and
// re-establishes it, with backoff, whenever it drops.
type Session struct {
	url      string
	identity Identity
	pingInt  time.Duration

	mu    sync.RWMutex
	state State
	conn  *websocket.Conn

	inbound  chan protocol.Frame
	outbound chan protocol.Frame

	onState func(State)
}

// New constructs a Session. Call Run to begin connecting.
func New(url string, identity Identity, pingInterval time.Duration) *Session {
	return &Session{
		url:      url,
		identity: identity,
		pingInt:  pingInterval,
		state:    Disconnected,
		inbound:  make(chan protocol.Frame, 32),
		outbound: make(chan protocol.Frame, 32),
	}
}

// OnStateChange registers a callback invoked whenever the session
// transitions state. Not goroutine-safe to call after Run starts.
func (s *Session) OnStateChange(fn func(State)) {
	s.onState = fn
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.onState != nil {
		s.onState(st)
	}
}

// Inbound returns the channel frames received from the control plane are
// published on.
func (s *Session) Inbound() <-chan protocol.Frame {
	return s.inbound
}

// Send queues frame for transmission. It returns agenterr.ErrNotConnected
// if the session is not Established.
func (s *Session) Send(frame protocol.Frame) error {
	if s.State() != Established {
		return agenterr.ErrNotConnected
	}
	select {
	case s.outbound <- frame:
		return nil
	default:
		return fmt.Errorf("session: outbound queue full")
	}
}

// Run drives the connect/auth/stream/reconnect loop until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	log := logx.WithComponent(logx.Base(), "session")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 60 * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := s.connectAndServe(ctx, log)
		s.setState(Disconnected)

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.WithError(err).Warn("session lost, reconnecting")
		}

		wait := bo.NextBackOff()
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Session) connectAndServe(ctx context.Context, log *logrus.Entry) error {
	s.setState(Connecting)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("session: dial: %w", err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.setState(Authenticating)

	authFrame, err := protocol.NewFrame(protocol.TypeAuth, protocol.AuthRequest{
		DeviceID:        s.identity.DeviceID,
		APIKey:          s.identity.APIKey,
		FirmwareVersion: s.identity.FirmwareVersion,
	})
	if err != nil {
		return fmt.Errorf("session: build auth frame: %w", err)
	}
	if err := writeFrame(conn, authFrame); err != nil {
		return fmt.Errorf("session: send auth: %w", err)
	}

	reply, err := readFrame(conn)
	if err != nil {
		return fmt.Errorf("session: read auth reply: %w", err)
	}
	switch reply.Type {
	case protocol.TypeAuthOK:
		// proceed
	case protocol.TypeAuthFail:
		var fail protocol.AuthFail
		_ = reply.Decode(&fail)
		return fmt.Errorf("%w: %s", agenterr.ErrAuthDenied, fail.Reason)
	default:
		return fmt.Errorf("session: unexpected first reply type %q", reply.Type)
	}

	s.setState(Established)
	log.Info("session established")

	return s.serve(ctx, conn, log)
}

func (s *Session) serve(ctx context.Context, conn *websocket.Conn, log *logrus.Entry) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// missed is written from the gorilla/websocket read loop (via the pong
	// handler, invoked inside conn.ReadMessage on the recv goroutine below)
	// and from this select loop's ticker case, so it needs atomic access.
	var missed atomic.Int32
	conn.SetPongHandler(func(string) error {
		missed.Store(0)
		return nil
	})

	recvCh := make(chan protocol.Frame, 1)
	recvErrCh := make(chan error, 1)
	go func() {
		for {
			f, err := readFrame(conn)
			if err != nil {
				recvErrCh <- err
				return
			}
			select {
			case recvCh <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingInt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setState(Closing)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil

		case err := <-recvErrCh:
			return fmt.Errorf("session: recv: %w", err)

		case f := <-recvCh:
			select {
			case s.inbound <- f:
			case <-ctx.Done():
				return nil
			}

		case f := <-s.outbound:
			if err := writeFrame(conn, f); err != nil {
				return fmt.Errorf("session: write: %w", err)
			}

		case <-ticker.C:
			if m := missed.Load(); m >= missedKeepaliveLimit {
				return fmt.Errorf("session: missed %d keepalives", m)
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("session: ping: %w", err)
			}
			missed.Add(1)
		}
	}
}

func writeFrame(conn *websocket.Conn, f protocol.Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func readFrame(conn *websocket.Conn) (protocol.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}
	return decodeFrame(data)
}
