package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DMShort/DadLink/internal/control"
)

// maxControlFrame bounds one inbound control frame.
const maxControlFrame = 1 << 20

// Server terminates TLS for the control plane and upgrades each /ws request
// into a control session.
type Server struct {
	addr        string
	tlsConfig   *tls.Config
	sessionCfg  control.Config
	idleTimeout time.Duration
	maxConns    int

	active   atomic.Int64
	upgrader websocket.Upgrader
}

func NewServer(addr string, tlsConfig *tls.Config, sessionCfg control.Config, idleTimeout time.Duration, maxConns int) *Server {
	return &Server{
		addr:        addr,
		tlsConfig:   tlsConfig,
		sessionCfg:  sessionCfg,
		idleTimeout: idleTimeout,
		maxConns:    maxConns,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// handler builds the control-plane routes. Split from Run so tests can
// serve them without binding a real TLS listener.
func (s *Server) handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if s.maxConns > 0 && s.active.Load() >= int64(s.maxConns) {
			http.Error(w, "server full", http.StatusServiceUnavailable)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[server] websocket upgrade failed: %v", err)
			return
		}
		conn.SetReadLimit(maxControlFrame)
		s.active.Add(1)
		go func() {
			defer s.active.Add(-1)
			control.NewSession(s.sessionCfg, &wsConn{conn: conn}).Run(ctx)
		}()
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("dadlink control server"))
	})

	return mux
}

// Run starts the HTTPS + WebSocket control server and blocks until the
// context is canceled.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler(ctx),
		TLSConfig:         s.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       s.idleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[server] shutdown: %v", err)
		}
	}()

	log.Printf("[server] control listening on %s", s.addr)

	err := httpSrv.ListenAndServeTLS("", "")
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ActiveSessions reports how many control connections are currently live.
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}
