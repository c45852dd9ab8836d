package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/SimplyPrint/lxi-agent/internal/certs"
	"github.com/SimplyPrint/lxi-agent/internal/driver"
	"github.com/SimplyPrint/lxi-agent/internal/logging"
	"github.com/SimplyPrint/lxi-agent/internal/lxi"
)

// Build information, set via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Options configures a Server.
type Options struct {
	// DriverName is reported by health, e.g. "clientbridge" or "simulated".
	DriverName string
	// Board is the local adapter index used for every run.
	Board uint32
	// Endpoint supplies the address, port and timeout when a request omits them.
	Endpoint lxi.Endpoint
}

// Server exposes the identify sequence over WebSocket.
// Runs are serialized: only one session is ever open at a time.
type Server struct {
	drivers driver.Drivers
	opts    Options
	hub     *WSHub

	runMu sync.Mutex
}

// NewServer creates a server backed by d.
func NewServer(d driver.Drivers, opts Options) *Server {
	if opts.DriverName == "" {
		opts.DriverName = "clientbridge"
	}
	return &Server{
		drivers: d,
		opts:    opts,
		hub:     NewWSHub(),
	}
}

// Handler returns the HTTP handler: /ws for the WebSocket API and /health
// for plain HTTP health checks. Completed requests are logged in the
// Apache common log format.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/health", s.serveHealth).Methods(http.MethodGet)

	var h http.Handler = r
	h = handlers.LoggingHandler(accessLog{}, h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(accessLog{}), handlers.PrintRecoveryStack(false))(h)
	return h
}

// accessLog feeds access lines and recovered panics into the ring buffer.
type accessLog struct{}

func (accessLog) Write(p []byte) (int, error) {
	logging.Debug(logging.CatHTTP, strings.TrimSpace(string(p)), nil)
	return len(p), nil
}

func (accessLog) Println(v ...any) {
	logging.Error(logging.CatHTTP, "Handler panic", map[string]any{"panic": fmt.Sprint(v...)})
}

// ListenAndServe serves on addr until ctx is cancelled. With a non-nil
// tlsConfig the port answers both ws:// and wss:// clients.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if tlsConfig != nil {
		ln = certs.NewListener(ln, tlsConfig)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info(logging.CatHTTP, "API server listening", map[string]any{"address": ln.Addr().String()})
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.CloseAll()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.health())
}

func (s *Server) health() map[string]any {
	return map[string]any{
		"status":  "ok",
		"driver":  s.opts.DriverName,
		"clients": s.hub.Count(),
		"logs":    logging.Get().Stats(),
	}
}

// identify runs one full sequence while holding the run lock.
func (s *Server) identify(req lxi.Request) (*lxi.Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return lxi.Run(s.drivers, req)
}
