package peerchannel

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgernet/peernode/pkg/identitytls"
	"github.com/ledgernet/peernode/pkg/legalname"
	"github.com/ledgernet/peernode/pkg/protolog"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// CandidateAddresses is the ordered list of addresses the client
	// dials; must be non-empty.
	CandidateAddresses []string

	Credentials             identitytls.Credentials
	AllowedRemoteLegalNames *legalname.AllowList

	LinkCredit        uint32
	IdleTimeout       time.Duration
	OutboundQueueSize int
	Logger            protolog.Logger

	// OnReceive, if set, is consulted for every inbound delivery and its
	// return value is sent back to the peer as the AMQP disposition: true
	// settles the delivery accepted, false rejected. A nil OnReceive
	// accepts every delivery.
	OnReceive    func(RemoteMessage) bool
	OnConnection func(ConnectionChange)
}

// queuedMessage is an outbound Message buffered while disconnected,
// flushed FIFO once a connection is established.
type queuedMessage struct {
	msg    Message
	handle *MessageHandle
}

// Client maintains at most one active outbound connection across an
// ordered list of candidate addresses, failing over between them with
// exponential backoff and resuming from the same index after a
// transient loss.
type Client struct {
	config  ClientConfig
	backoff *backoff

	mu      sync.Mutex
	current *peerConn
	index   int
	queue   []queuedMessage

	stopped   chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}
}

// NewClient validates config and constructs a Client without dialing.
func NewClient(config ClientConfig) (*Client, error) {
	if len(config.CandidateAddresses) == 0 {
		return nil, fmt.Errorf("peerchannel: client requires at least one candidate address")
	}
	if config.OutboundQueueSize <= 0 {
		config.OutboundQueueSize = 256
	}
	return &Client{
		config:   config,
		backoff:  newBackoff(),
		stopped:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}, nil
}

// Start begins the connect/failover loop in the background.
func (c *Client) Start() {
	go c.connectLoop()
}

// Stop cancels any pending reconnect, closes the active connection if
// any, and fails every buffered message. Idempotent.
func (c *Client) Stop() {
	c.closeOnce.Do(func() {
		close(c.stopped)
	})
	<-c.loopDone
}

// connectLoop implements the candidate-address failover algorithm: try
// the current index, on failure advance with backoff; on success reset
// backoff and stay on the same index until disconnected.
func (c *Client) connectLoop() {
	defer close(c.loopDone)

	for {
		select {
		case <-c.stopped:
			c.failQueued(ErrClosed)
			return
		default:
		}

		addr := c.config.CandidateAddresses[c.index]
		conn, err := dialPeerConn(addr, c.config.Credentials, c.config.AllowedRemoteLegalNames, peerConnOptions{
			containerID: "client",
			linkCredit:  c.config.LinkCredit,
			idleTimeout: c.config.IdleTimeout,
			logger:      c.config.Logger,
			connID:      uuid.NewString(),
			onReceive: func(msg Message) bool {
				if c.config.OnReceive == nil {
					return true
				}
				return c.config.OnReceive(RemoteMessage{RemoteAddress: addr, Payload: msg.Payload})
			},
		})
		if err != nil {
			c.logError(addr, err)
			c.fireConnectionChange(addr, nil, false)
			c.index = (c.index + 1) % len(c.config.CandidateAddresses)
			if c.waitBackoff() {
				c.failQueued(ErrClosed)
				return
			}
			continue
		}

		c.backoff.reset()
		c.setCurrent(conn)
		c.fireConnectionChange(addr, conn, true)
		c.flushQueue(conn)

		select {
		case <-conn.closeCh:
		case <-c.stopped:
			conn.close("client stopping")
		}

		c.setCurrent(nil)
		c.fireConnectionChange(addr, conn, false)

		select {
		case <-c.stopped:
			c.failQueued(ErrClosed)
			return
		default:
		}
		// Loss is transient: retry the same index before wandering.
	}
}

func (c *Client) waitBackoff() (stopped bool) {
	delay := c.backoff.next()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.stopped:
		return true
	case <-timer.C:
		return false
	}
}

func (c *Client) setCurrent(conn *peerConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = conn
}

// logError records a dial/handshake/identity failure at ERROR level
// before the connection is abandoned and the next candidate tried.
func (c *Client) logError(addr string, err error) {
	logger := c.config.Logger
	if logger == nil {
		logger = protolog.NoopLogger{}
	}
	logger.Log(protolog.Event{
		Timestamp:  time.Now(),
		Direction:  protolog.DirectionOut,
		Layer:      protolog.LayerChannel,
		Category:   protolog.CategoryError,
		RemoteAddr: addr,
		Error:      &protolog.ErrorEvent{Layer: protolog.LayerChannel, Message: err.Error()},
	})
}

func (c *Client) fireConnectionChange(addr string, conn *peerConn, connected bool) {
	if c.config.OnConnection == nil {
		return
	}
	change := ConnectionChange{RemoteAddress: addr, Connected: connected}
	if conn != nil {
		change.RemoteCert = conn.remoteCert
		change.RemoteLegalName = conn.remoteName
	}
	c.config.OnConnection(change)
}

func (c *Client) flushQueue(conn *peerConn) {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, qm := range pending {
		c.sendOn(conn, qm)
	}
}

// sendOn submits qm's payload on conn and proxies the resulting
// disposition onto qm's own handle, since Write already handed the
// caller a handle before a connection might exist.
func (c *Client) sendOn(conn *peerConn, qm queuedMessage) {
	sent, err := conn.send(qm.msg.Payload)
	if err != nil {
		qm.handle.complete(err)
		return
	}
	go func() { qm.handle.complete(sent.Wait()) }()
}

func (c *Client) failQueued(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, qm := range c.queue {
		qm.handle.complete(err)
	}
	c.queue = nil
}

// Write validates msg against the active connection and hands it to the
// engine, or buffers it FIFO while disconnected. Write fails a message
// with MessageMisrouted if the active connection's remote address or
// legal name does not match, and with Backpressure if the outbound
// buffer is full while disconnected.
func (c *Client) Write(msg Message) (*MessageHandle, error) {
	c.mu.Lock()
	conn := c.current
	c.mu.Unlock()

	if conn != nil {
		if msg.DestinationAddress != conn.remoteAddr || !msg.DestinationLegalName.Equal(conn.remoteName) {
			return nil, ErrMessageMisrouted
		}
		handle := newMessageHandle()
		c.sendOn(conn, queuedMessage{msg: msg, handle: handle})
		return handle, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= c.config.OutboundQueueSize {
		return nil, ErrBackpressure
	}
	handle := newMessageHandle()
	c.queue = append(c.queue, queuedMessage{msg: msg, handle: handle})
	return handle, nil
}

// Connected reports whether the client currently has an active
// connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}
