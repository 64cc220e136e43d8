package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"go.uber.org/zap"
)

// Server is the user-facing edge: it resolves the request's Host
// against the router on every request and streams the exchange to
// whichever deployment owns that host right now.
type Server struct {
	router *Router
	log    *zap.Logger
	srv    *http.Server
}

func NewServer(router *Router, log *zap.Logger) *Server {
	return &Server{
		router: router,
		log:    log,
	}
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

// Start binds addr and serves in the background. Bind failures are
// returned synchronously so startup can abort instead of running
// without an edge.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind proxy listener: %w", err)
	}

	// No read/write timeouts: tenant services may stream.
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("proxy server terminated", zap.Error(err))
		}
	}()

	s.log.Info("proxy listening", zap.String("address", addr))
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	target, ok := s.router.Lookup(r.Host)
	if !ok {
		http.Error(w, "project not found", http.StatusNotFound)
		return
	}

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = target
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			// The deployment behind this host may have been torn
			// down mid-exchange; the client gets a clean error
			// instead of a hung connection.
			s.log.Warn("upstream error",
				zap.String("host", r.Host),
				zap.String("target", target),
				zap.Error(err),
			)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r)
}
