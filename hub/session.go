package hub

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"golang.org/x/crypto/ssh"

	"github.com/cyberinferno/sshhub/auth"
	"github.com/cyberinferno/sshhub/logger"
	"github.com/cyberinferno/sshhub/safeset"
)

// InterruptByte is the single-byte payload (Ctrl+C) that ends a session
// instead of being echoed and broadcast.
const InterruptByte byte = 0x03

// Binding is a remote forward requested by a client.
type Binding struct {
	Addr string
	Port uint32
}

// Session is the hub's view of one client connection. The transport drives
// events into it; the session keeps the registry in sync with its lifecycle.
type Session struct {
	id   SessionID
	hub  *Hub
	peer net.Addr
	log  logger.Logger

	mu     sync.Mutex
	state  atomic.Int32
	handle Handle
	user   string

	forwards  *safeset.SafeSet[Binding]
	closeOnce sync.Once
}

func newSession(h *Hub, id SessionID, peer net.Addr, log logger.Logger) *Session {
	s := &Session{
		id:       id,
		hub:      h,
		peer:     peer,
		log:      log,
		forwards: safeset.NewSafeSet[Binding](),
	}
	s.state.Store(int32(Connecting))
	return s
}

// ID returns the session's identifier.
func (s *Session) ID() SessionID {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// User returns the name the client authenticated as, if any.
func (s *Session) User() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Forwards returns a snapshot of the active remote forward bindings.
func (s *Session) Forwards() []Binding {
	return s.forwards.Values()
}

// AuthPublicKey decides a public key authentication attempt.
//
// Parameters:
//   - ctx: Bounds the authenticator call
//   - user: The requested user name
//   - key: The offered public key
//
// Returns:
//   - true if the key is accepted
func (s *Session) AuthPublicKey(ctx context.Context, user string, key ssh.PublicKey) bool {
	ok, err := s.hub.auth.AuthPublicKey(ctx, user, key)
	return s.authResult(auth.MethodPublicKey, user, ok, err)
}

// AuthCertificate decides an OpenSSH certificate authentication attempt.
func (s *Session) AuthCertificate(ctx context.Context, user string, cert *ssh.Certificate) bool {
	ok, err := s.hub.auth.AuthCertificate(ctx, user, cert)
	return s.authResult(auth.MethodCertificate, user, ok, err)
}

func (s *Session) authResult(method, user string, ok bool, err error) bool {
	if err != nil {
		s.log.Warn("authenticator failed",
			logger.Field{Key: "method", Value: method},
			logger.Field{Key: "user", Value: user},
			logger.Field{Key: "error", Value: err.Error()})
		ok = false
	}

	s.hub.metrics.AuthDecision(method, ok)
	if ok {
		s.mu.Lock()
		s.user = user
		s.mu.Unlock()
	}

	s.log.Debug("auth decision",
		logger.Field{Key: "method", Value: method},
		logger.Field{Key: "user", Value: user},
		logger.Field{Key: "accepted", Value: ok})
	return ok
}

// Attach binds the transport handle once the connection is established and
// moves the session to AwaitingChannel.
//
// Returns:
//   - ErrSessionClosed if the session was already torn down
func (s *Session) Attach(handle Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == Closed {
		return ErrSessionClosed
	}

	s.handle = handle
	s.state.CompareAndSwap(int32(Connecting), int32(AwaitingChannel))
	return nil
}

// ChannelOpened registers the session under channel so it starts receiving
// broadcasts. A later channel overwrites the earlier registration.
//
// Returns:
//   - ErrSessionClosed if the session was torn down
//   - ErrNotAttached if Attach has not been called
func (s *Session) ChannelOpened(channel ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Registration happens under s.mu so it cannot slip in after Close has
	// scheduled the deregistration.
	if s.State() == Closed {
		return ErrSessionClosed
	}
	if s.handle == nil {
		return ErrNotAttached
	}

	s.hub.registry.Register(s.id, channel, s.handle)
	if s.state.CompareAndSwap(int32(AwaitingChannel), int32(Active)) {
		s.log.Info("session active", logger.Field{Key: "channel", Value: uint32(channel)})
	}
	return nil
}

// Data handles a payload received on channel. The interrupt byte ends the
// session. Anything else is wrapped, echoed to the sender and broadcast to
// every other session; the two deliveries fail independently.
//
// Parameters:
//   - channel: The channel the payload arrived on
//   - payload: The received bytes
//
// Returns:
//   - Disconnect if the transport should end the session, Continue otherwise
func (s *Session) Data(channel ChannelID, payload []byte) Outcome {
	switch s.State() {
	case Closed, Disconnecting:
		return Disconnect
	}

	if len(payload) == 1 && payload[0] == InterruptByte {
		s.state.CompareAndSwap(int32(Active), int32(Disconnecting))
		s.state.CompareAndSwap(int32(AwaitingChannel), int32(Disconnecting))
		s.log.Info("client requested disconnect")
		return Disconnect
	}

	msg := WrapData(payload)
	s.hub.Broadcast(s.id, msg)

	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()

	if handle == nil {
		return Continue
	}

	if err := handle.Data(channel, msg); err != nil {
		s.log.Debug("echo failed", logger.Field{Key: "error", Value: err.Error()})
	}

	return Continue
}

// Close ends the session. Only the first call has an effect: the session
// moves to Closed and its deregistration is scheduled as a background task,
// so Close never waits on the registry lock. Close must run on every exit
// path of the connection, normal or not.
//
// Parameters:
//   - reason: Why the session ended (ReasonNormal, ReasonDisconnect, ...)
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(Closed))
		s.mu.Unlock()

		s.forwards.Reset()
		s.hub.spawn("unregister", s.log, func() {
			s.hub.registry.Unregister(s.id)
		})

		s.hub.metrics.SessionClosed(reason)
		s.log.Info("session closed", logger.Field{Key: "reason", Value: reason})
	})
}

const dataPrefix = "Got data: "

// WrapData formats a received payload the way it is echoed and broadcast.
// Invalid UTF-8 is replaced rather than rejected: each maximal ill-formed
// subsequence becomes one U+FFFD.
func WrapData(payload []byte) []byte {
	out := make([]byte, 0, len(dataPrefix)+len(payload)+2)
	out = append(out, dataPrefix...)
	out = appendLossy(out, payload)
	return append(out, '\r', '\n')
}

func appendLossy(dst, b []byte) []byte {
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r != utf8.RuneError || size > 1 {
			dst = append(dst, b[:size]...)
			b = b[size:]
			continue
		}
		dst = utf8.AppendRune(dst, utf8.RuneError)
		b = b[illFormedPrefix(b):]
	}
	return dst
}

// illFormedPrefix returns the length of the maximal subpart of a UTF-8
// sequence at the start of b, which is known not to decode. It is at least 1.
func illFormedPrefix(b []byte) int {
	lo, hi := byte(0x80), byte(0xBF)
	var n int
	switch c := b[0]; {
	case c >= 0xC2 && c <= 0xDF:
		n = 2
	case c == 0xE0:
		n, lo = 3, 0xA0
	case c == 0xED:
		n, hi = 3, 0x9F
	case c >= 0xE1 && c <= 0xEF:
		n = 3
	case c == 0xF0:
		n, lo = 4, 0x90
	case c == 0xF4:
		n, hi = 4, 0x8F
	case c >= 0xF1 && c <= 0xF3:
		n = 4
	default:
		return 1
	}

	i := 1
	for ; i < n && i < len(b); i++ {
		if b[i] < lo || b[i] > hi {
			break
		}
		lo, hi = 0x80, 0xBF
	}
	return i
}
