// Package mockcp is an in-memory stand-in for the cloud control plane,
// used to drive end-to-end scenarios across session, dispatcher, and
// supervisor without a real backend. It speaks the same AUTH-first
// websocket handshake a real control plane would (spec §4.3, §6).
//
// Grounded on the teacher pack's httptest-based fakes (wudi-gateway's
// in-process dp.Server test doubles) generalized from a gRPC stream fake to
// a gorilla/websocket one matching this agent's transport.
package mockcp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshguard/routerd/protocol"
)

var upgrader = websocket.Upgrader{}

// ControlPlane accepts exactly one agent connection, performs the AUTH
// handshake, and exposes Send/Recv for scripting a scenario against the
// live agent on the other end.
type ControlPlane struct {
	srv *httptest.Server

	// AuthDecision lets a test reject AUTH to exercise the failure path.
	// Defaults to always accepting.
	AuthDecision func(protocol.AuthRequest) (ok bool, reason string)

	mu   sync.Mutex
	conn *websocket.Conn

	connected chan struct{}
	inbound   chan protocol.Frame
}

// New starts the control plane's HTTP test server and returns it ready to
// accept one connection.
func New() *ControlPlane {
	cp := &ControlPlane{
		connected: make(chan struct{}),
		inbound:   make(chan protocol.Frame, 64),
		AuthDecision: func(protocol.AuthRequest) (bool, string) {
			return true, ""
		},
	}
	cp.srv = httptest.NewServer(http.HandlerFunc(cp.handle))
	return cp
}

// URL returns the ws:// URL the agent should dial.
func (cp *ControlPlane) URL() string {
	return "ws" + strings.TrimPrefix(cp.srv.URL, "http")
}

// Close tears down the test server and any open connection.
func (cp *ControlPlane) Close() {
	cp.mu.Lock()
	if cp.conn != nil {
		cp.conn.Close()
	}
	cp.mu.Unlock()
	cp.srv.Close()
}

func (cp *ControlPlane) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return
	}
	authFrame, err := decode(data)
	if err != nil || authFrame.Type != protocol.TypeAuth {
		conn.Close()
		return
	}
	var req protocol.AuthRequest
	_ = authFrame.Decode(&req)

	ok, reason := cp.AuthDecision(req)
	var reply protocol.Frame
	if ok {
		reply, _ = authFrame.Reply(protocol.TypeAuthOK, protocol.AuthOK{ServerTime: time.Now()})
	} else {
		reply, _ = authFrame.Reply(protocol.TypeAuthFail, protocol.AuthFail{Reason: reason})
	}
	out, _ := json.Marshal(reply)
	if err := conn.WriteMessage(websocket.TextMessage, out); err != nil || !ok {
		conn.Close()
		return
	}

	cp.mu.Lock()
	cp.conn = conn
	cp.mu.Unlock()
	close(cp.connected)

	conn.SetPingHandler(func(string) error {
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(5*time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decode(data)
		if err != nil {
			continue
		}
		select {
		case cp.inbound <- f:
		default:
		}
	}
}

// WaitConnected blocks until the agent has completed AUTH, or the timeout
// elapses.
func (cp *ControlPlane) WaitConnected(timeout time.Duration) bool {
	select {
	case <-cp.connected:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Send writes a frame to the connected agent. The caller must have waited
// for WaitConnected first.
func (cp *ControlPlane) Send(t protocol.MessageType, payload any) (protocol.Frame, error) {
	frame, err := protocol.NewFrame(t, payload)
	if err != nil {
		return frame, err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return frame, err
	}
	cp.mu.Lock()
	conn := cp.conn
	cp.mu.Unlock()
	return frame, conn.WriteMessage(websocket.TextMessage, data)
}

// Recv blocks for the next frame the agent sends, up to timeout.
func (cp *ControlPlane) Recv(timeout time.Duration) (protocol.Frame, bool) {
	select {
	case f := <-cp.inbound:
		return f, true
	case <-time.After(timeout):
		return protocol.Frame{}, false
	}
}

// RecvMatching blocks until a frame of type t arrives, discarding others
// (e.g. METRICS frames interleaved with a requested reply), up to timeout.
func (cp *ControlPlane) RecvMatching(t protocol.MessageType, timeout time.Duration) (protocol.Frame, bool) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Frame{}, false
		}
		f, ok := cp.Recv(remaining)
		if !ok {
			return protocol.Frame{}, false
		}
		if f.Type == t {
			return f, true
		}
	}
}

func decode(data []byte) (protocol.Frame, error) {
	var f protocol.Frame
	err := json.Unmarshal(data, &f)
	return f, err
}
