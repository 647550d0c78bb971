// Package metrics exposes the agent's Prometheus registry on a
// localhost-only listener. Telemetry sent to the control plane is a
// separate concern (protocol.TelemetryFrame, over the session); this is
// operational self-observability for whoever operates the router fleet.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshguard/routerd/internal/logx"
)

// Server serves /metrics on a loopback-only address.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer constructs a metrics server bound to addr (e.g. "127.0.0.1:9109").
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	log := logx.WithComponent(logx.Base(), "metrics")

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("metrics server shutdown error")
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
