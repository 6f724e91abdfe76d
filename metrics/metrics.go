package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownTimeout = time.Second * 15
)

func newMetricsHandler(readyServer *ReadyServer) *http.ServeMux {
	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "OK\n")
	})
	if readyServer != nil {
		router.Handle("/ready", readyServer)
	}
	return router
}

// ServeMetrics serves the prometheus and health endpoints on l until
// shutdownC closes, then drains in-flight requests.
func ServeMetrics(l net.Listener, shutdownC <-chan struct{}, readyServer *ReadyServer, log *zerolog.Logger) error {
	server := &http.Server{
		Handler: newMetricsHandler(readyServer),
	}
	go func() {
		<-shutdownC
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	log.Info().Msgf("Starting metrics server on %s", l.Addr())
	err := server.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return errors.Wrap(err, "metrics server failed")
}
