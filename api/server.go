// Package api implements the REST interface (spec section "EXTERNAL
// INTERFACES"): the HTTP surface consumed by the UI and betting bots,
// plus a best-effort websocket push of round-lifecycle events.
package api

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/qflashio/engine/account"
	"github.com/qflashio/engine/events"
	"github.com/qflashio/engine/historycache"
	"github.com/qflashio/engine/price"
	"github.com/qflashio/engine/store"
)

// Server is the REST/websocket front end. Its HTTP lifecycle (timeouts,
// graceful shutdown, body-size cap, bearer-token checking) is carried over
// from the teacher's rpc.Server, re-homed onto per-route handlers instead
// of one JSON-RPC dispatch point.
type Server struct {
	store    store.Store
	feed     *price.Feed
	history  *historycache.Cache // may be nil
	accounts *account.Manager
	hub      *wsHub

	addr string
	srv  *http.Server
	ln   net.Listener
}

// NewServer builds a Server. tlsConfig may be nil for plain HTTP; history
// may be nil to disable the history[] field on /price.
func NewServer(addr string, tlsConfig *tls.Config, s store.Store, feed *price.Feed, history *historycache.Cache, accounts *account.Manager, emitter *events.Emitter) *Server {
	srv := &Server{
		store:    s,
		feed:     feed,
		history:  history,
		accounts: accounts,
		hub:      newWSHub(emitter),
		addr:     addr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /price", srv.handlePrice)
	mux.HandleFunc("GET /rounds", srv.handleListRounds)
	mux.HandleFunc("GET /rounds/{id}", srv.handleGetRound)
	mux.HandleFunc("POST /bet", srv.handleBet)
	mux.HandleFunc("GET /account/{address}", srv.handleGetAccount)
	mux.HandleFunc("POST /withdrawal", srv.handleWithdrawal)
	mux.HandleFunc("GET /ws", srv.hub.serveHTTP)

	srv.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Start binds the listener synchronously, then serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	if s.srv.TLSConfig != nil {
		ln = tls.NewListener(ln, s.srv.TLSConfig)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listener's address. Useful when started on ":0".
func (s *Server) Addr() net.Addr {
	if s.ln != nil {
		return s.ln.Addr()
	}
	return nil
}

// Stop gracefully shuts the server down, waiting up to 5 seconds for
// in-flight requests before forcing connections closed.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.closeAll()
	return s.srv.Shutdown(ctx)
}
