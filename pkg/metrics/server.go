package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server serves the Prometheus metrics endpoint plus a trivial health
// check.
type Server struct {
	server *http.Server
	log    *logrus.Logger
}

// NewServer creates a metrics server listening on the given port.
func NewServer(port string, log *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:              ":" + port,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// StartAsync starts serving in a background goroutine; listen errors
// are logged rather than returned.
func (s *Server) StartAsync() {
	go func() {
		s.log.WithField("addr", s.server.Addr).Info("starting metrics server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("metrics server failed")
		}
	}()
}

// Stop gracefully shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("stopping metrics server")
	return s.server.Shutdown(ctx)
}
