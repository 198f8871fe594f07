// Package eventdrivensshclient provides an event-driven SSH client for the
// hub. It opens one interactive session channel, notifies callers of
// connection state changes, received data, forwarded channels and errors via
// registered handlers, and supports optional auto-reconnect.
package eventdrivensshclient

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// InterruptByte asks the server to end the session.
const InterruptByte = 0x03

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("client is closed")

	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = errors.New("already connected or connecting")
)

// ConnectionState represents the current state of the SSH connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Connection attempt in progress
	Connected                           // Session channel open
	Reconnecting                        // Waiting to reconnect (AutoReconnect only)
	Closed                              // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState
	Address   string
	Timestamp time.Time
	Error     error // Non-nil if the change was caused by an error
}

// DataReceivedEvent carries bytes read from the session channel.
type DataReceivedEvent struct {
	Data      []byte
	Timestamp time.Time
}

// ForwardedDataEvent carries the full contents of one forwarded channel the
// server opened for an earlier RequestForward.
type ForwardedDataEvent struct {
	BindAddr   string
	BindPort   uint32
	OriginAddr string
	OriginPort uint32
	Data       []byte
	Timestamp  time.Time
}

// ErrorEvent is emitted when a read, write, or connection error occurs.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// ConnectionStateHandler is called asynchronously on state changes.
type ConnectionStateHandler func(event ConnectionStateEvent)

// DataReceivedHandler is called from the read goroutine, in arrival order.
type DataReceivedHandler func(event DataReceivedEvent)

// ForwardedDataHandler is called once per forwarded channel after it ends.
type ForwardedDataHandler func(event ForwardedDataEvent)

// ErrorHandler is called asynchronously when an error occurs.
type ErrorHandler func(event ErrorEvent)

// Config holds configuration for the client.
type Config struct {
	// Address is the "host:port" of the server.
	Address string
	// User is the SSH user name.
	User string
	// Signers are offered for public key authentication.
	Signers []ssh.Signer
	// HostKeyCallback verifies the server key. Required.
	HostKeyCallback ssh.HostKeyCallback
	// RequestShell sends a "shell" request after opening the session channel.
	RequestShell bool
	// AutoReconnect enables automatic reconnection when the connection is lost.
	AutoReconnect bool
	// ReconnectInterval is the delay between reconnection attempts.
	ReconnectInterval time.Duration
	// ReadBufferSize is the size of the channel read buffer.
	ReadBufferSize int
	// ConnectionTimeout bounds the TCP dial and SSH handshake.
	ConnectionTimeout time.Duration
}

// DefaultConfig returns a Config with default values.
//
// Parameters:
//   - address: The "host:port" to connect to
//   - user: The SSH user name
//
// Returns:
//   - A Config with RequestShell true, ReconnectInterval 5s, ReadBufferSize
//     4096 and ConnectionTimeout 10s. Signers and HostKeyCallback must be set
//     by the caller.
func DefaultConfig(address, user string) Config {
	return Config{
		Address:           address,
		User:              user,
		RequestShell:      true,
		AutoReconnect:     false,
		ReconnectInterval: 5 * time.Second,
		ReadBufferSize:    4096,
		ConnectionTimeout: 10 * time.Second,
	}
}

// EventDrivenSSHClient drives an SSH session via events. Register handlers,
// then call Connect. It is safe for concurrent use.
type EventDrivenSSHClient struct {
	config  Config
	client  *ssh.Client
	channel ssh.Channel
	state   ConnectionState

	onConnectionState ConnectionStateHandler
	onDataReceived    DataReceivedHandler
	onForwardedData   ForwardedDataHandler
	onError           ErrorHandler

	mu            sync.RWMutex
	stopChan      chan struct{}
	reconnectChan chan struct{}
	reconnectOnce sync.Once
	wg            sync.WaitGroup
	closed        bool
	reconnecting  bool
}

// NewEventDrivenSSHClient creates a client in Disconnected state.
func NewEventDrivenSSHClient(config Config) *EventDrivenSSHClient {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = 4096
	}

	return &EventDrivenSSHClient{
		config:        config,
		state:         Disconnected,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
}

// OnConnectionState registers the handler for state changes, replacing any
// previous one. Pass nil to clear it.
func (c *EventDrivenSSHClient) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnDataReceived registers the handler for session channel data.
func (c *EventDrivenSSHClient) OnDataReceived(handler DataReceivedHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDataReceived = handler
}

// OnForwardedData registers the handler for forwarded channels.
func (c *EventDrivenSSHClient) OnForwardedData(handler ForwardedDataHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onForwardedData = handler
}

// OnError registers the handler for errors.
func (c *EventDrivenSSHClient) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the server, authenticates and opens the session channel.
//
// Returns:
//   - ErrClosed, ErrAlreadyConnected, or the dial/handshake/channel error
func (c *EventDrivenSSHClient) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	if err := c.connect(); err != nil {
		return err
	}

	if c.config.AutoReconnect {
		c.reconnectOnce.Do(func() {
			c.wg.Add(1)
			go c.reconnectHandler()
		})
	}

	return nil
}

// Disconnect closes the current connection. Connect may be called again.
func (c *EventDrivenSSHClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Disconnected || c.state == Closed {
		return nil
	}

	return c.disconnect()
}

func (c *EventDrivenSSHClient) disconnect() error {
	if c.client == nil {
		return nil
	}

	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	err := c.client.Close()
	c.client = nil
	c.state = Disconnected
	c.emitConnectionState(c.onConnectionState, Disconnected, nil)

	return err
}

// Close shuts the client down and waits for its goroutines. Idempotent.
func (c *EventDrivenSSHClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.setState(Closed, nil)

	return nil
}

// Send writes data to the session channel.
func (c *EventDrivenSSHClient) Send(data []byte) error {
	c.mu.RLock()
	ch := c.channel
	state := c.state
	c.mu.RUnlock()

	if state != Connected || ch == nil {
		return ErrNotConnected
	}

	if _, err := ch.Write(data); err != nil {
		c.emitError(err)
		c.triggerReconnect()
		return err
	}

	return nil
}

// SendInterrupt sends the interrupt byte, which makes the server end the
// session.
func (c *EventDrivenSSHClient) SendInterrupt() error {
	return c.Send([]byte{InterruptByte})
}

type forwardRequest struct {
	BindAddr string
	BindPort uint32
}

type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// RequestForward sends a "tcpip-forward" global request.
//
// Returns:
//   - Whether the server accepted it, or ErrNotConnected
func (c *EventDrivenSSHClient) RequestForward(bindAddr string, bindPort uint32) (bool, error) {
	return c.globalRequest("tcpip-forward", bindAddr, bindPort)
}

// CancelForward sends a "cancel-tcpip-forward" global request.
func (c *EventDrivenSSHClient) CancelForward(bindAddr string, bindPort uint32) (bool, error) {
	return c.globalRequest("cancel-tcpip-forward", bindAddr, bindPort)
}

func (c *EventDrivenSSHClient) globalRequest(name, bindAddr string, bindPort uint32) (bool, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return false, ErrNotConnected
	}

	ok, _, err := client.SendRequest(name, true, ssh.Marshal(&forwardRequest{BindAddr: bindAddr, BindPort: bindPort}))
	return ok, err
}

// GetState returns the current connection state.
func (c *EventDrivenSSHClient) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if the client is in Connected state.
func (c *EventDrivenSSHClient) IsConnected() bool {
	return c.GetState() == Connected
}

func (c *EventDrivenSSHClient) connect() error {
	c.setState(Connecting, nil)

	client, ch, err := c.dial()
	if err != nil {
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = client.Close()
		return ErrClosed
	}
	c.client = client
	c.channel = ch
	c.mu.Unlock()

	forwarded := client.HandleChannelOpen("forwarded-tcpip")

	c.setState(Connected, nil)

	c.wg.Add(2)
	go c.readLoop(client, ch)
	go c.forwardLoop(forwarded)

	return nil
}

func (c *EventDrivenSSHClient) dial() (*ssh.Client, ssh.Channel, error) {
	if c.config.HostKeyCallback == nil {
		return nil, nil, fmt.Errorf("host key callback is required")
	}

	client, err := ssh.Dial("tcp", c.config.Address, &ssh.ClientConfig{
		User:            c.config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.config.Signers...)},
		HostKeyCallback: c.config.HostKeyCallback,
		Timeout:         c.config.ConnectionTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	ch, reqs, err := client.OpenChannel("session", nil)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	go ssh.DiscardRequests(reqs)

	if c.config.RequestShell {
		if _, err := ch.SendRequest("shell", true, nil); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
	}

	return client, ch, nil
}

func (c *EventDrivenSSHClient) readLoop(client *ssh.Client, ch ssh.Channel) {
	defer c.wg.Done()

	buffer := make([]byte, c.config.ReadBufferSize)
	for {
		n, err := ch.Read(buffer)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buffer[:n])
			c.emitDataReceived(data)
		}

		if err == nil {
			continue
		}

		if c.isClosed() {
			return
		}
		if !errors.Is(err, io.EOF) {
			c.emitError(err)
		}

		c.mu.Lock()
		if c.client == client {
			_ = c.disconnect()
		}
		c.mu.Unlock()

		c.triggerReconnect()
		return
	}
}

func (c *EventDrivenSSHClient) forwardLoop(chans <-chan ssh.NewChannel) {
	defer c.wg.Done()

	for nch := range chans {
		var p forwardedTCPPayload
		if err := ssh.Unmarshal(nch.ExtraData(), &p); err != nil {
			_ = nch.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload")
			continue
		}

		ch, reqs, err := nch.Accept()
		if err != nil {
			c.emitError(err)
			continue
		}
		go ssh.DiscardRequests(reqs)

		data, err := io.ReadAll(ch)
		_ = ch.Close()
		if err != nil {
			c.emitError(err)
			continue
		}

		c.emitForwardedData(ForwardedDataEvent{
			BindAddr:   p.Addr,
			BindPort:   p.Port,
			OriginAddr: p.OriginAddr,
			OriginPort: p.OriginPort,
			Data:       data,
			Timestamp:  time.Now(),
		})
	}
}

func (c *EventDrivenSSHClient) reconnectHandler() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.mu.Lock()
			if c.reconnecting {
				c.mu.Unlock()
				continue
			}
			c.reconnecting = true
			if err := c.disconnect(); err != nil {
				c.emitError(err)
			}
			c.mu.Unlock()

			c.setState(Reconnecting, nil)

			select {
			case <-c.stopChan:
				c.mu.Lock()
				c.reconnecting = false
				c.mu.Unlock()
				return
			case <-time.After(c.config.ReconnectInterval):
			}

			if c.isClosed() {
				c.mu.Lock()
				c.reconnecting = false
				c.mu.Unlock()
				return
			}

			err := c.connect()

			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()

			if err != nil {
				c.triggerReconnect()
			}
		}
	}
}

func (c *EventDrivenSSHClient) triggerReconnect() {
	if !c.config.AutoReconnect || c.isClosed() {
		return
	}

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

func (c *EventDrivenSSHClient) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	handler := c.onConnectionState
	c.mu.Unlock()

	c.emitConnectionState(handler, state, err)
}

func (c *EventDrivenSSHClient) emitConnectionState(handler ConnectionStateHandler, state ConnectionState, err error) {
	if handler == nil {
		return
	}

	go handler(ConnectionStateEvent{
		State:     state,
		Address:   c.config.Address,
		Timestamp: time.Now(),
		Error:     err,
	})
}

func (c *EventDrivenSSHClient) emitDataReceived(data []byte) {
	c.mu.RLock()
	handler := c.onDataReceived
	c.mu.RUnlock()

	if handler != nil {
		handler(DataReceivedEvent{Data: data, Timestamp: time.Now()})
	}
}

func (c *EventDrivenSSHClient) emitForwardedData(event ForwardedDataEvent) {
	c.mu.RLock()
	handler := c.onForwardedData
	c.mu.RUnlock()

	if handler != nil {
		handler(event)
	}
}

func (c *EventDrivenSSHClient) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		go handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}

func (c *EventDrivenSSHClient) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
