package passd

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsServer struct {
	srv *http.Server
	ln  net.Listener
}

// startMetricsServer exposes the session's registry on cfg.MetricsListen.
// Empty keeps metrics disabled.
func (s *Session) startMetricsServer() error {
	if s.cfg.MetricsListen == "" {
		return nil
	}
	s.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ln, err := net.Listen("tcp", s.cfg.MetricsListen)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.telemetry = &metricsServer{srv: srv, ln: ln}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("metrics listener failed", "error", err)
		}
	}()
	s.logger.Info("metrics listening", "addr", ln.Addr().String())
	return nil
}

func (s *Session) stopMetricsServer() {
	if s.telemetry == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.telemetry.srv.Shutdown(shutdownCtx)
	s.telemetry = nil
}
