package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"OptionsLedger/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Mounter adds routes to the operations mux.
type Mounter interface {
	Register(mux *http.ServeMux)
}

// OpsServer serves /metrics, /healthz, /readyz and any mounted routes
// (the admin command endpoints) on one listener.
type OpsServer struct {
	httpServer *http.Server
	log        zerolog.Logger
}

func NewOpsServer(addr string, gatherer prometheus.Gatherer, hc *observability.HealthChecker, log zerolog.Logger, mounts ...Mounter) *OpsServer {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", hc.LivenessHandler)
	mux.HandleFunc("GET /readyz", hc.ReadinessHandler)
	for _, m := range mounts {
		m.Register(mux)
	}

	return &OpsServer{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Handler exposes the mux for tests.
func (s *OpsServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve handles requests on lis until ctx is cancelled.
func (s *OpsServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("ops server listening")
	if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Start listens on the configured address and serves (blocking).
func (s *OpsServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("ops listen: %w", err)
	}
	return s.Serve(ctx, lis)
}
