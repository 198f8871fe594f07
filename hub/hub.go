// Package hub coordinates the live sessions of the server. It owns the
// session registry and id counter, fans data out from one session to every
// other one, and runs detached background work (forwarded channels and
// deregistration) on behalf of sessions.
//
// The hub never touches the network itself: every write goes through a
// Handle supplied by the transport.
package hub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/sshhub/auth"
	"github.com/cyberinferno/sshhub/idgenerator"
	"github.com/cyberinferno/sshhub/logger"
	"github.com/cyberinferno/sshhub/metrics"
	"github.com/cyberinferno/sshhub/registry"
)

// SessionID identifies a logical session for the lifetime of the server.
type SessionID = registry.SessionID

// ChannelID identifies a channel within one session's transport.
type ChannelID = registry.ChannelID

// NoSession is never issued to a session. Broadcasting from NoSession
// reaches every registered session.
const NoSession SessionID = 0

var (
	// ErrHandleClosed is returned by a Handle whose connection is gone.
	ErrHandleClosed = errors.New("hub: handle closed")

	// ErrSessionClosed is returned when an event arrives for a closed session.
	ErrSessionClosed = errors.New("hub: session closed")

	// ErrNotAttached is returned when a session has no handle yet.
	ErrNotAttached = errors.New("hub: session has no handle")
)

// Handle is the transport's capability for one connection. It is shared by
// the owning session and the registry entry that references it.
type Handle interface {
	// Data queues payload for delivery on channel. It must not block on the
	// network and must not drop payloads while the connection is open; only
	// a dead connection is reported as an error.
	Data(channel ChannelID, payload []byte) error

	// OpenForwardedChannel asks the client to accept a new inbound channel
	// for a previously requested remote forward.
	OpenForwardedChannel(ctx context.Context, bindAddr string, bindPort uint32, originAddr string, originPort uint32) (ForwardedChannel, error)
}

// ForwardedChannel is a server-initiated channel on a client connection.
type ForwardedChannel interface {
	io.Writer

	// CloseWrite signals end-of-stream to the client.
	CloseWrite() error

	// Close closes the channel in both directions.
	Close() error
}

// Options configures a Hub. Zero values select defaults.
type Options struct {
	Logger         logger.Logger
	Metrics        *metrics.Metrics
	Authenticator  auth.Authenticator
	ForwardTimeout time.Duration
}

// Hub is the process-wide server state: the registry of active sessions and
// the session id counter. It is created once at startup and passed to the
// transport explicitly.
type Hub struct {
	registry       *registry.Registry[Handle]
	ids            *idgenerator.IdGenerator
	log            logger.Logger
	metrics        *metrics.Metrics
	auth           auth.Authenticator
	forwardTimeout time.Duration
	background     sync.WaitGroup
}

// BroadcastResult summarises one broadcast. It is informational only;
// failed deliveries are never retried.
type BroadcastResult struct {
	Attempted int
	Failed    int
}

// New creates a Hub with an empty registry.
//
// Parameters:
//   - opts: Collaborators and tunables; nil fields fall back to defaults
//
// Returns:
//   - A ready Hub
func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}
	if opts.Authenticator == nil {
		opts.Authenticator = auth.AcceptAll{}
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = 30 * time.Second
	}

	return &Hub{
		registry:       registry.New[Handle](),
		ids:            idgenerator.NewIdGenerator(uint64(NoSession)),
		log:            opts.Logger,
		metrics:        opts.Metrics,
		auth:           opts.Authenticator,
		forwardTimeout: opts.ForwardTimeout,
	}
}

// Registry exposes the session registry for read access.
func (h *Hub) Registry() *registry.Registry[Handle] {
	return h.registry
}

// NewSession issues a fresh id and returns a session in the Connecting state.
//
// Parameters:
//   - peer: Remote address of the connection, may be nil
//
// Returns:
//   - The new Session
func (h *Hub) NewSession(peer net.Addr) *Session {
	id := SessionID(h.ids.Id())
	fields := []logger.Field{{Key: "session_id", Value: uint64(id)}}
	if peer != nil {
		fields = append(fields, logger.Field{Key: "peer", Value: peer.String()})
	}

	s := newSession(h, id, peer, h.log.With(fields...))
	h.metrics.SessionOpened()
	s.log.Debug("session created")
	return s
}

// Broadcast delivers an independent copy of payload to every registered
// session except sender. A failing recipient never stops delivery to the
// others, and failures are not reported back to the sender.
//
// Parameters:
//   - sender: The originating session, or NoSession to reach everyone
//   - payload: The bytes to deliver; never modified
//
// Returns:
//   - How many recipients were attempted and how many failed
func (h *Hub) Broadcast(sender SessionID, payload []byte) BroadcastResult {
	start := time.Now()
	var res BroadcastResult

	h.registry.ForEachExcept(sender, func(id SessionID, entry registry.Entry[Handle]) {
		res.Attempted++
		if err := entry.Handle.Data(entry.Channel, bytes.Clone(payload)); err != nil {
			res.Failed++
			h.log.Debug("broadcast delivery failed",
				logger.Field{Key: "from", Value: uint64(sender)},
				logger.Field{Key: "to", Value: uint64(id)},
				logger.Field{Key: "error", Value: err.Error()})
		}
	})

	h.metrics.Broadcast(res.Attempted-res.Failed, res.Failed, time.Since(start))
	return res
}

// Wait blocks until every detached background task (forwards and
// deregistrations) started so far has finished.
func (h *Hub) Wait() {
	h.background.Wait()
}

// spawn runs fn as a detached task. A panic inside fn ends that task only.
func (h *Hub) spawn(name string, log logger.Logger, fn func()) {
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error("background task panicked",
					logger.Field{Key: "task", Value: name},
					logger.Field{Key: "panic", Value: fmt.Sprint(r)})
			}
		}()
		fn()
	}()
}
