package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cjeanneret/camzilla/internal/debug"
)

// shutdownGrace bounds how long open streams may delay a stop.
const shutdownGrace = 5 * time.Second

// Server is the HTTP surface of the station.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server for addr, e.g. ":8080".
func NewServer(addr string, handlers *Handlers) *Server {
	return &Server{addr: addr, handlers: handlers}
}

// Mux returns the route table. Streams are GET, commands are POST.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /task", s.handlers.HandleTask)
	mux.HandleFunc("POST /power", s.handlers.HandlePower)
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("GET /results/stream", s.handlers.HandleResultStream)
	mux.HandleFunc("GET /ws", s.handlers.HandleWS)

	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("web: listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		debug.Info("web: shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
