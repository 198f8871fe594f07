package sshserver

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/crypto/ssh"

	"github.com/cyberinferno/sshhub/hub"
	"github.com/cyberinferno/sshhub/logger"
)

// ErrUnknownChannel is returned by Data for a channel the handle never
// accepted or has already released.
var ErrUnknownChannel = errors.New("sshserver: unknown channel")

type outbound struct {
	channel hub.ChannelID
	payload []byte
}

type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// handle implements hub.Handle for one SSH connection. Outgoing data goes
// through an unbounded queue drained by writeLoop, so Data never blocks on
// the network and never drops a payload while the handle is open.
type handle struct {
	sconn *ssh.ServerConn
	log   logger.Logger

	mu          sync.RWMutex
	channels    map[hub.ChannelID]ssh.Channel
	nextChannel hub.ChannelID
	closed      bool

	qmu       sync.Mutex
	cond      *sync.Cond
	pending   *queue.Queue
	stopped   bool
	discard   bool
	highWater int
	warned    bool

	done      chan struct{}
	closeOnce sync.Once
}

var _ hub.Handle = (*handle)(nil)

// newHandle creates a handle. highWater is the backlog at which a slow
// client is logged; it does not limit the queue.
func newHandle(sconn *ssh.ServerConn, highWater int, log logger.Logger) *handle {
	if log == nil {
		log = logger.NewNopLogger()
	}

	h := &handle{
		sconn:     sconn,
		log:       log,
		channels:  make(map[hub.ChannelID]ssh.Channel),
		pending:   queue.New(),
		highWater: highWater,
		done:      make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.qmu)
	return h
}

func (h *handle) addChannel(ch ssh.Channel) hub.ChannelID {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextChannel
	h.nextChannel++
	h.channels[id] = ch
	return id
}

func (h *handle) removeChannel(id hub.ChannelID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, id)
}

func (h *handle) channel(id hub.ChannelID) ssh.Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[id]
}

// Data queues payload for channel. It fails only once the handle is closed
// or for a channel it does not know.
func (h *handle) Data(channel hub.ChannelID, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return hub.ErrHandleClosed
	}
	if _, ok := h.channels[channel]; !ok {
		return ErrUnknownChannel
	}

	h.qmu.Lock()
	h.pending.Add(outbound{channel: channel, payload: payload})
	backlog := h.pending.Length()
	warn := !h.warned && h.highWater > 0 && backlog >= h.highWater
	if warn {
		h.warned = true
	}
	h.cond.Signal()
	h.qmu.Unlock()

	if warn {
		h.log.Warn("slow client, outbound backlog growing", logger.Field{Key: "backlog", Value: backlog})
	}
	return nil
}

// backlog reports how many payloads are waiting for writeLoop.
func (h *handle) backlog() int {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	return h.pending.Length()
}

// next blocks until a payload is queued or the handle stops. ok is false
// when writeLoop should exit.
func (h *handle) next() (m outbound, ok bool) {
	h.qmu.Lock()
	defer h.qmu.Unlock()

	for h.pending.Length() == 0 && !h.stopped {
		h.cond.Wait()
	}
	if h.discard || h.pending.Length() == 0 {
		return outbound{}, false
	}

	m = h.pending.Remove().(outbound)
	if h.pending.Length() < h.highWater/2 {
		h.warned = false
	}
	return m, true
}

// writeLoop delivers queued payloads in order. Once stopped it drains what
// is left, unless the stop was immediate, and closes the connection.
func (h *handle) writeLoop() {
	defer close(h.done)

	for {
		m, ok := h.next()
		if !ok {
			break
		}

		ch := h.channel(m.channel)
		if ch == nil {
			continue
		}

		if _, err := ch.Write(m.payload); err != nil {
			h.log.Debug("channel write failed", logger.Field{Key: "error", Value: err.Error()})
		}
	}

	_ = h.sconn.Close()
}

// stop refuses further Data and wakes writeLoop. It reports whether this
// call did the work.
func (h *handle) stop(discard bool) bool {
	stopped := false
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		stopped = true
	})

	h.qmu.Lock()
	h.stopped = true
	if discard {
		h.discard = true
	}
	h.cond.Broadcast()
	h.qmu.Unlock()

	return stopped
}

// closeGracefully lets writeLoop flush what is already queued before the
// connection goes down.
func (h *handle) closeGracefully() {
	h.stop(false)
}

// Close drops queued data and closes the connection now.
func (h *handle) Close() error {
	h.stop(true)
	return h.sconn.Close()
}

// OpenForwardedChannel opens a "forwarded-tcpip" channel on the client. If
// ctx ends first the call returns and a channel opened late is closed.
func (h *handle) OpenForwardedChannel(ctx context.Context, bindAddr string, bindPort uint32, originAddr string, originPort uint32) (hub.ForwardedChannel, error) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return nil, hub.ErrHandleClosed
	}

	type result struct {
		ch  ssh.Channel
		err error
	}
	res := make(chan result, 1)

	payload := ssh.Marshal(&forwardedTCPPayload{
		Addr:       bindAddr,
		Port:       bindPort,
		OriginAddr: originAddr,
		OriginPort: originPort,
	})

	go func() {
		ch, reqs, err := h.sconn.OpenChannel("forwarded-tcpip", payload)
		if err == nil {
			go ssh.DiscardRequests(reqs)
		}
		res <- result{ch: ch, err: err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return nil, r.err
		}
		return r.ch, nil
	case <-ctx.Done():
		go func() {
			if r := <-res; r.ch != nil {
				_ = r.ch.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
