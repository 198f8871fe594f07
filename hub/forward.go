package hub

import (
	"context"

	"github.com/cyberinferno/sshhub/logger"
)

// Synthetic origin and greeting used for every forwarded channel.
const (
	ForwardOriginAddr = "1.2.3.4"
	ForwardOriginPort = 1234
	ForwardGreeting   = "Hello from a forwarded port"
)

// TCPIPForward accepts a remote forward request without waiting for the
// forward itself. The returned start launches a detached task that opens a
// forwarded channel on this session's connection, writes ForwardGreeting,
// signals end-of-stream and exits. A failure in that task is logged and
// affects nothing else.
//
// Callers must send the request reply before calling start: clients only
// route forwarded channels for a binding once the reply has arrived.
//
// Parameters:
//   - bindAddr: The address the client asked the server to bind
//   - bindPort: The port the client asked the server to bind
//
// Returns:
//   - start: Launches the forward task, nil when the request is refused
//   - ok: false if the session is closed or has no handle
func (s *Session) TCPIPForward(bindAddr string, bindPort uint32) (start func(), ok bool) {
	if s.State() == Closed {
		return nil, false
	}

	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return nil, false
	}

	b := Binding{Addr: bindAddr, Port: bindPort}
	s.forwards.Add(b)

	log := s.log.With(
		logger.Field{Key: "bind_addr", Value: bindAddr},
		logger.Field{Key: "bind_port", Value: bindPort})
	start = func() {
		s.hub.spawn("forward", log, func() {
			s.hub.metrics.Forward(s.forward(handle, b, log))
		})
	}

	return start, true
}

// CancelTCPIPForward drops a binding previously accepted by TCPIPForward.
//
// Returns:
//   - false if the binding is unknown
func (s *Session) CancelTCPIPForward(bindAddr string, bindPort uint32) bool {
	return s.forwards.Remove(Binding{Addr: bindAddr, Port: bindPort})
}

func (s *Session) forward(handle Handle, b Binding, log logger.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.hub.forwardTimeout)
	defer cancel()

	ch, err := handle.OpenForwardedChannel(ctx, b.Addr, b.Port, ForwardOriginAddr, ForwardOriginPort)
	if err != nil {
		log.Warn("failed to open forwarded channel", logger.Field{Key: "error", Value: err.Error()})
		return false
	}
	defer func() {
		_ = ch.Close()
	}()

	if _, err := ch.Write([]byte(ForwardGreeting)); err != nil {
		log.Debug("forwarded write failed", logger.Field{Key: "error", Value: err.Error()})
		return false
	}

	if err := ch.CloseWrite(); err != nil {
		log.Debug("forwarded eof failed", logger.Field{Key: "error", Value: err.Error()})
		return false
	}

	log.Debug("forwarded channel served")
	return true
}
