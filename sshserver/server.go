// Package sshserver is the SSH transport in front of the hub. It accepts TCP
// connections, runs the SSH handshake with golang.org/x/crypto/ssh, and turns
// protocol events (channel opens, channel data, remote forward requests) into
// calls on hub sessions.
package sshserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cyberinferno/sshhub/hub"
	"github.com/cyberinferno/sshhub/logger"
	"github.com/cyberinferno/sshhub/safemap"
)

var (
	// ErrServerRunning is returned by Start on a running server.
	ErrServerRunning = errors.New("sshserver: already running")

	// ErrServerClosed is returned by Start after Shutdown.
	ErrServerClosed = errors.New("sshserver: closed")

	// ErrNoHostKey is returned by New when no host key is configured.
	ErrNoHostKey = errors.New("sshserver: no host key")
)

// Config holds the transport settings.
type Config struct {
	// Name is used in log messages.
	Name string
	// Addr is the listen address, e.g. "0.0.0.0:2222".
	Addr string
	// HostSigners are the server's host keys. At least one is required.
	HostSigners []ssh.Signer
	// ServerVersion is the SSH identification string; empty uses the
	// library default.
	ServerVersion string
	// InactivityTimeout closes a connection that sends nothing for this
	// long; 0 disables it.
	InactivityTimeout time.Duration
	// AuthRejectionTime delays every rejected authentication attempt.
	AuthRejectionTime time.Duration
	// AuthRejectionTimeInitial delays the initial "none" attempt.
	AuthRejectionTimeInitial time.Duration
	// AuthTimeout bounds each Authenticator call.
	AuthTimeout time.Duration
	// MaxAuthTries limits authentication attempts per connection; 0 uses
	// the library default.
	MaxAuthTries int
	// KeyExchanges, Ciphers and MACs override algorithm preferences.
	KeyExchanges []string
	Ciphers      []string
	MACs         []string
	// OutboundQueue is the per-connection backlog of outgoing data at which
	// a slow client is logged. It does not bound the queue.
	OutboundQueue int
	// ShutdownGrace is how long Shutdown waits for queued data to drain
	// before closing connections forcibly.
	ShutdownGrace time.Duration
}

// Server accepts SSH connections and hands each one to a hub session.
type Server struct {
	cfg Config
	hub *hub.Hub
	log logger.Logger

	lnMu     sync.Mutex
	listener net.Listener

	running  atomic.Bool
	closing  atomic.Bool
	conns    *safemap.SafeMap[hub.SessionID, *conn]
	wg       sync.WaitGroup
	shutOnce sync.Once
	timeOnce sync.Once
	done     chan struct{}
}

// New creates a Server. It does not listen until Start or Serve is called.
//
// Parameters:
//   - cfg: Transport settings
//   - h: The hub that owns sessions and the registry
//   - log: Logger for transport events
//
// Returns:
//   - The Server, or ErrNoHostKey if cfg has no host keys
func New(cfg Config, h *hub.Hub, log logger.Logger) (*Server, error) {
	if len(cfg.HostSigners) == 0 {
		return nil, ErrNoHostKey
	}
	if cfg.Name == "" {
		cfg.Name = "sshhub"
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 256
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 2 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Server{
		cfg:   cfg,
		hub:   h,
		log:   log.With(logger.Field{Key: "component", Value: "sshserver"}),
		conns: safemap.NewSafeMap[hub.SessionID, *conn](),
		done:  make(chan struct{}),
	}, nil
}

// Start binds cfg.Addr and runs the accept loop in a goroutine.
//
// Returns:
//   - ErrServerRunning or ErrServerClosed when called in the wrong state,
//     or the listen error
func (s *Server) Start() error {
	if s.closing.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.running.Store(false)
		s.log.Error("server failed to start", logger.Field{Key: "error", Value: err.Error()})
		return fmt.Errorf("server %s failed to start: %w", s.cfg.Name, err)
	}

	s.lnMu.Lock()
	s.listener = ln
	s.lnMu.Unlock()

	s.log.Info(fmt.Sprintf("%s server started", s.cfg.Name), logger.Field{Key: "addr", Value: ln.Addr().String()})

	s.wg.Add(1)
	go s.acceptLoop(ln)

	return nil
}

// Serve starts the server and blocks until ctx is cancelled or the server
// shuts down (for example when the shutdown timer fires).
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.Shutdown("Server stopping")
	case <-s.done:
	}

	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done is closed once Shutdown has finished.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// ConnectionCount returns the number of live connections, registered or not.
func (s *Server) ConnectionCount() int {
	return s.conns.Len()
}

// StartShutdownTimer arranges for Shutdown(reason) to run after d. Only the
// first call has an effect, and the timer cannot be cancelled.
//
// Parameters:
//   - d: Delay before shutdown
//   - reason: Message delivered to every registered session
func (s *Server) StartShutdownTimer(d time.Duration, reason string) {
	s.timeOnce.Do(func() {
		s.log.Info("shutdown timer started", logger.Field{Key: "after", Value: d.String()})
		time.AfterFunc(d, func() {
			s.Shutdown(reason)
		})
	})
}

// Shutdown stops accepting connections, sends reason to every registered
// session, and closes every connection. Queued data gets cfg.ShutdownGrace
// to drain before connections are closed forcibly. Shutdown is idempotent
// and returns once every connection goroutine has exited.
//
// Parameters:
//   - reason: Human-readable reason delivered to clients
func (s *Server) Shutdown(reason string) {
	s.shutOnce.Do(func() {
		s.log.Info(fmt.Sprintf("%s server shutting down", s.cfg.Name), logger.Field{Key: "reason", Value: reason})
		s.closing.Store(true)
		s.running.Store(false)

		s.lnMu.Lock()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.lnMu.Unlock()

		s.hub.Broadcast(hub.NoSession, []byte(reason+"\r\n"))

		s.conns.Range(func(_ hub.SessionID, c *conn) bool {
			c.shutdown()
			return true
		})

		exited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(exited)
		}()

		select {
		case <-exited:
		case <-time.After(s.cfg.ShutdownGrace):
			s.conns.Range(func(_ hub.SessionID, c *conn) bool {
				c.forceClose()
				return true
			})
			<-exited
		}

		s.hub.Wait()
		s.log.Info(fmt.Sprintf("%s server stopped", s.cfg.Name))
		close(s.done)
	})
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			s.log.Error(fmt.Sprintf("%s server accept error", s.cfg.Name), logger.Field{Key: "error", Value: err.Error()})
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConn(nc)
	}
}
