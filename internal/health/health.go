// Package health exposes the liveness/readiness HTTP surface every
// service binary runs alongside its worker loop: /health always
// returns 200 once the process is up, /ready returns 200 once the
// Store's connection pool answers a ping and the working-set producer
// has enqueued at least one item.
//
// net/http.ServeMux is deliberately used here instead of a router
// library: two fixed routes with no path parameters is exactly the
// case the stdlib mux covers, and no example repo in the pack pulls
// in a router (go-chi/chi appears only in klppl-klistr, wired to a
// much larger REST surface than two static health routes need).
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// Pinger is the narrow surface health needs from the Store to decide
// readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server runs the /health and /ready endpoints.
type Server struct {
	pinger      Pinger
	bearerToken string
	enqueued    atomic.Bool

	httpServer *http.Server
}

// New builds a Server bound to addr ("host:port"). bearerToken, if
// non-empty, is required via an Authorization: Bearer header on every
// request — mandatory whenever Bind is not loopback.
func New(addr string, pinger Pinger, bearerToken string) *Server {
	s := &Server{pinger: pinger, bearerToken: bearerToken}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.authMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// MarkEnqueued records that the working-set producer has enqueued at
// least one item this process lifetime, a precondition for /ready.
func (s *Server) MarkEnqueued() {
	s.enqueued.Store(true)
}

// ListenAndServe blocks serving until ctx is cancelled, then shuts the
// HTTP server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.bearerToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.pinger.Ping(ctx); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	if !s.enqueued.Load() {
		http.Error(w, "producer has not enqueued any item yet", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
