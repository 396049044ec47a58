package peerchannel

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ledgernet/peernode/pkg/amqpengine"
	"github.com/ledgernet/peernode/pkg/identitytls"
	"github.com/ledgernet/peernode/pkg/legalname"
	"github.com/ledgernet/peernode/pkg/protolog"
)

// readBufferSize is how many bytes peerConn reads off the socket per
// call; the frame accumulator inside the engine handles reassembly
// across arbitrarily-sized reads.
const readBufferSize = 32 * 1024

// peerConn wraps one established, identity-verified TLS connection with
// its AMQP engine: it pumps bytes in both directions, settles outbound
// deliveries against their MessageHandle, and hands inbound deliveries
// to the owning Server/Client.
type peerConn struct {
	tlsConn    *tls.Conn
	engine     *amqpengine.Engine
	remoteAddr string
	remoteCert *x509.Certificate
	remoteName legalname.Name

	onReceive func(Message) bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]trackedSend

	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error

	tickDone chan struct{}
}

type trackedSend struct {
	handle       *MessageHandle
	engineHandle *amqpengine.MessageHandle
}

type peerConnOptions struct {
	containerID string
	linkCredit  uint32
	idleTimeout time.Duration
	logger      protolog.Logger
	connID      string
	onReceive   func(Message) bool
}

func newPeerConn(tlsConn *tls.Conn, remoteAddr string, remoteCert *x509.Certificate, remoteName legalname.Name, opts peerConnOptions) *peerConn {
	engine := amqpengine.NewEngine(amqpengine.Config{
		ContainerID:  opts.containerID,
		LinkCredit:   opts.linkCredit,
		IdleTimeout:  opts.idleTimeout,
		Logger:       opts.logger,
		ConnectionID: opts.connID,
	})

	c := &peerConn{
		tlsConn:    tlsConn,
		engine:     engine,
		remoteAddr: remoteAddr,
		remoteCert: remoteCert,
		remoteName: remoteName,
		onReceive:  opts.onReceive,
		pending:    make(map[string]trackedSend),
		closeCh:    make(chan struct{}),
		tickDone:   make(chan struct{}),
	}
	return c
}

// start performs the handshake and launches the read and tick loops. It
// blocks until the engine reaches Active or the connection fails.
func (c *peerConn) start() error {
	if err := c.engine.Open(); err != nil {
		return err
	}
	if err := c.flush(); err != nil {
		return err
	}

	go c.readLoop()
	go c.tickLoop()

	deadline := time.NewTimer(10 * time.Second)
	defer deadline.Stop()
	for !c.engine.Active() {
		select {
		case <-c.closeCh:
			return fmt.Errorf("peerchannel: connection closed before AMQP handshake completed")
		case <-deadline.C:
			c.close("AMQP handshake timed out")
			return fmt.Errorf("peerchannel: AMQP handshake timed out")
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}

// send submits an application payload and returns a handle tracking
// its disposition.
func (c *peerConn) send(payload []byte) (*MessageHandle, error) {
	engineHandle, err := c.engine.EnqueueSend(payload)
	if err != nil {
		return nil, err
	}

	handle := newMessageHandle()
	c.pendingMu.Lock()
	c.pending[engineHandle.Tag] = trackedSend{handle: handle, engineHandle: engineHandle}
	c.pendingMu.Unlock()

	if err := c.flush(); err != nil {
		return nil, err
	}
	return handle, nil
}

func (c *peerConn) close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.engine.Close(reason)
		_ = c.flush()
		err = c.tlsConn.Close()
		c.closeErr = err
		close(c.closeCh)

		c.pendingMu.Lock()
		for tag, ts := range c.pending {
			ts.handle.complete(ErrClosed)
			delete(c.pending, tag)
		}
		c.pendingMu.Unlock()
	})
	return err
}

func (c *peerConn) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.tlsConn.Read(buf)
		if n > 0 {
			if feedErr := c.engine.FeedInbound(buf[:n]); feedErr != nil {
				c.close(feedErr.Error())
				return
			}
			c.dispatchInbound()
			c.settlePending()
			if flushErr := c.flush(); flushErr != nil {
				c.close(flushErr.Error())
				return
			}
		}
		if err != nil {
			c.close(err.Error())
			return
		}
		if c.engine.Closed() {
			c.close("peer closed")
			return
		}
	}
}

func (c *peerConn) tickLoop() {
	defer close(c.tickDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case now := <-ticker.C:
			c.engine.Tick(now)
			if err := c.flush(); err != nil {
				c.close(err.Error())
				return
			}
		}
	}
}

func (c *peerConn) dispatchInbound() {
	for _, in := range c.engine.DrainInbound() {
		accepted := true
		if c.onReceive != nil {
			accepted = c.onReceive(Message{Payload: in.Payload})
		}
		c.engine.Complete(in.Tag, accepted)
	}
}

func (c *peerConn) settlePending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for tag, ts := range c.pending {
		switch ts.engineHandle.State {
		case amqpengine.DeliveryAccepted:
			ts.handle.complete(nil)
			delete(c.pending, tag)
		case amqpengine.DeliveryRejected:
			ts.handle.complete(fmt.Errorf("peerchannel: delivery %s rejected", tag))
			delete(c.pending, tag)
		}
	}
}

func (c *peerConn) flush() error {
	out := c.engine.DrainOutbound()
	if len(out) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.tlsConn.Write(out)
	return err
}

// dialPeerConn dials addr, performs the TLS handshake with creds, and
// verifies the peer's identity against allowed before returning a
// started peerConn.
func dialPeerConn(addr string, creds identitytls.Credentials, allowed *legalname.AllowList, opts peerConnOptions) (*peerConn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	rawConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peerchannel: dial %s: %w", addr, err)
	}

	tlsConn := tls.Client(rawConn, identitytls.ClientConfig(creds, allowed))
	if err := tlsConn.Handshake(); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("peerchannel: TLS handshake with %s: %w", addr, err)
	}

	leaf, name, err := identitytls.PeerIdentity(tlsConn)
	if err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("peerchannel: %w", err)
	}

	c := newPeerConn(tlsConn, addr, leaf, name, opts)
	if err := c.start(); err != nil {
		tlsConn.Close()
		return nil, err
	}
	return c, nil
}
