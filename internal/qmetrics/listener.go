package qmetrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/AdguardTeam/golibs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Listener is a standalone HTTP server exposing a Prometheus registry on
// /metrics, the same small-server shape as the teacher's debugsvc.Service
// reduced to the single endpoint this engine needs.
type Listener struct {
	http *http.Server
}

// NewListener returns a [Listener] bound to addr, serving handler on
// /metrics. addr is not dialed until [Listener.Start] is called.
func NewListener(addr string, handler http.Handler) (l *Listener) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	return &Listener{
		http: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// HandlerFor returns a promhttp handler scoped to reg, suitable for
// [NewListener]'s handler argument — every [New]-constructed [Metrics] is
// registered against its own registry, not the global default one.
func HandlerFor(reg *prometheus.Registry) (h http.Handler) {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Start starts serving in its own goroutine. Errors other than a graceful
// shutdown are logged and the process keeps running; only a panic in the
// goroutine exits the process, via debugsvc's log.OnPanicAndExit
// convention for its background listeners.
func (l *Listener) Start(_ context.Context) (err error) {
	go func() {
		defer log.OnPanicAndExit("qmetrics listener", 1)

		log.Info("qmetrics: listening on %s", l.http.Addr)

		lerr := l.http.ListenAndServe()
		if lerr != nil && !errors.Is(lerr, http.ErrServerClosed) {
			log.Error("qmetrics: listener on %s: %s", l.http.Addr, lerr)
		}
	}()

	return nil
}

// Shutdown gracefully shuts the listener down.
func (l *Listener) Shutdown(ctx context.Context) (err error) {
	log.Info("qmetrics: shutting down")

	return l.http.Shutdown(ctx)
}
