package sshserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cyberinferno/sshhub/hub"
	"github.com/cyberinferno/sshhub/logger"
)

const readBufferSize = 32 * 1024

var errAuthRejected = errors.New("authentication rejected")

// conn tracks one accepted TCP connection so Shutdown can reach it at any
// point of its life, including during the handshake.
type conn struct {
	nc     net.Conn
	mu     sync.Mutex
	handle *handle
}

func (c *conn) setHandle(h *handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
}

// shutdown lets queued data drain, then closes. Before the handshake has
// finished there is nothing to drain.
func (c *conn) shutdown() {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()

	if h != nil {
		h.closeGracefully()
		return
	}
	_ = c.nc.Close()
}

// forceClose drops whatever is still queued and closes the socket.
func (c *conn) forceClose() {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()

	if h != nil {
		h.stop(true)
	}
	_ = c.nc.Close()
}

// inactivityConn pushes the read deadline forward on every read, so a
// connection that stays silent for longer than timeout fails its next read.
type inactivityConn struct {
	net.Conn
	timeout time.Duration
}

func (c *inactivityConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(b)
}

// handleConn owns one connection from accept to teardown. The session is
// closed on every return path.
func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()

	sess := s.hub.NewSession(nc.RemoteAddr())
	log := s.log.With(logger.Field{Key: "session_id", Value: uint64(sess.ID())})

	reason := hub.ReasonNormal
	defer func() {
		sess.Close(reason)
	}()

	c := &conn{nc: nc}
	s.conns.Store(sess.ID(), c)
	defer s.conns.Delete(sess.ID())

	// Shutdown may have walked the connection map before we were added.
	if s.closing.Load() {
		reason = hub.ReasonShutdown
		_ = nc.Close()
		return
	}

	sconn, chans, reqs, err := ssh.NewServerConn(&inactivityConn{Conn: nc, timeout: s.cfg.InactivityTimeout}, s.serverConfig(sess))
	if err != nil {
		reason = hub.ReasonError
		if s.closing.Load() {
			reason = hub.ReasonShutdown
		}
		log.Debug("handshake failed", logger.Field{Key: "error", Value: err.Error()})
		_ = nc.Close()
		return
	}

	h := newHandle(sconn, s.cfg.OutboundQueue, log)
	go h.writeLoop()
	c.setHandle(h)
	defer func() {
		_ = h.Close()
	}()

	if err := sess.Attach(h); err != nil {
		reason = hub.ReasonShutdown
		return
	}
	if s.closing.Load() {
		h.closeGracefully()
	}

	log.Info("client connected",
		logger.Field{Key: "user", Value: sconn.User()},
		logger.Field{Key: "client_version", Value: string(sconn.ClientVersion())})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleGlobalRequests(sess, reqs, log)
	}()

	for nch := range chans {
		s.handleChannel(sess, h, nch, log)
	}

	waitErr := sconn.Wait()
	switch {
	case s.closing.Load():
		reason = hub.ReasonShutdown
	case sess.State() == hub.Disconnecting:
		reason = hub.ReasonDisconnect
	case isTimeout(waitErr):
		log.Info("inactivity timeout")
	case waitErr != nil && !errors.Is(waitErr, io.EOF) && !errors.Is(waitErr, net.ErrClosed):
		reason = hub.ReasonError
		log.Warn("session error", logger.Field{Key: "error", Value: waitErr.Error()})
	}
}

func (s *Server) serverConfig(sess *hub.Session) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		Config: ssh.Config{
			KeyExchanges: s.cfg.KeyExchanges,
			Ciphers:      s.cfg.Ciphers,
			MACs:         s.cfg.MACs,
		},
		ServerVersion: s.cfg.ServerVersion,
		MaxAuthTries:  s.cfg.MaxAuthTries,
		NoClientAuth:  true,
		NoClientAuthCallback: func(ssh.ConnMetadata) (*ssh.Permissions, error) {
			sleep(s.cfg.AuthRejectionTimeInitial)
			return nil, errAuthRejected
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AuthTimeout)
			defer cancel()

			var ok bool
			if cert, isCert := key.(*ssh.Certificate); isCert {
				ok = sess.AuthCertificate(ctx, meta.User(), cert)
			} else {
				ok = sess.AuthPublicKey(ctx, meta.User(), key)
			}

			if !ok {
				sleep(s.cfg.AuthRejectionTime)
				return nil, errAuthRejected
			}

			return &ssh.Permissions{
				Extensions: map[string]string{"pubkey-fp": ssh.FingerprintSHA256(key)},
			}, nil
		},
	}

	for _, signer := range s.cfg.HostSigners {
		cfg.AddHostKey(signer)
	}

	return cfg
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func (s *Server) handleChannel(sess *hub.Session, h *handle, nch ssh.NewChannel, log logger.Logger) {
	if nch.ChannelType() != "session" {
		_ = nch.Reject(ssh.UnknownChannelType, "unsupported channel type")
		return
	}

	ch, reqs, err := nch.Accept()
	if err != nil {
		log.Debug("channel accept failed", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	id := h.addChannel(ch)
	if err := sess.ChannelOpened(id); err != nil {
		h.removeChannel(id)
		_ = ch.Close()
		return
	}

	go serviceChannelRequests(reqs)
	go s.readChannel(sess, h, id, ch, log)
}

// readChannel feeds channel data into the session until the channel ends
// or the session asks to disconnect.
func (s *Server) readChannel(sess *hub.Session, h *handle, id hub.ChannelID, ch ssh.Channel, log logger.Logger) {
	defer func() {
		h.removeChannel(id)
		_ = ch.Close()
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			if sess.Data(id, buf[:n]) == hub.Disconnect {
				h.closeGracefully()
				return
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("channel read failed", logger.Field{Key: "error", Value: err.Error()})
			}
			return
		}
	}
}

// serviceChannelRequests acknowledges the requests an interactive client
// sends before typing; command execution is not supported.
func serviceChannelRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		ok := false
		switch req.Type {
		case "pty-req", "shell", "env", "window-change":
			ok = true
		}

		if req.WantReply {
			_ = req.Reply(ok, nil)
		}
	}
}

type remoteForwardRequest struct {
	BindAddr string
	BindPort uint32
}

func (s *Server) handleGlobalRequests(sess *hub.Session, reqs <-chan *ssh.Request, log logger.Logger) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var p remoteForwardRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				log.Debug("malformed tcpip-forward", logger.Field{Key: "error", Value: err.Error()})
				_ = req.Reply(false, nil)
				continue
			}

			start, ok := sess.TCPIPForward(p.BindAddr, p.BindPort)
			if req.WantReply {
				_ = req.Reply(ok, nil)
			}
			// The client only registers the binding after reading the reply.
			if start != nil {
				start()
			}

		case "cancel-tcpip-forward":
			var p remoteForwardRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				_ = req.Reply(false, nil)
				continue
			}

			ok := sess.CancelTCPIPForward(p.BindAddr, p.BindPort)
			if req.WantReply {
				_ = req.Reply(ok, nil)
			}

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}
