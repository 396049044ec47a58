package peerchannel

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgernet/peernode/pkg/identitytls"
	"github.com/ledgernet/peernode/pkg/legalname"
	"github.com/ledgernet/peernode/pkg/protolog"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Address                 string
	Credentials             identitytls.Credentials
	AllowedRemoteLegalNames *legalname.AllowList

	LinkCredit  uint32
	IdleTimeout time.Duration
	Logger      protolog.Logger

	// OnReceive, if set, is consulted for every inbound delivery and its
	// return value is sent back to the peer as the AMQP disposition: true
	// settles the delivery accepted, false rejected. A nil OnReceive
	// accepts every delivery.
	OnReceive    func(RemoteMessage) bool
	OnConnection func(ConnectionChange)
}

// RemoteMessage is an inbound application message together with the
// connection it arrived on.
type RemoteMessage struct {
	RemoteAddress   string
	RemoteLegalName legalname.Name
	Payload         []byte
}

// Server accepts inbound, mutually-authenticated connections and
// multiplexes their deliveries onto a single onReceive stream.
type Server struct {
	config ServerConfig
	tlsCfg *tls.Config

	listener net.Listener

	connsMu sync.Mutex
	conns   map[*peerConn]struct{}

	wg        sync.WaitGroup
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewServer validates config and constructs a Server without binding.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("peerchannel: server requires a listen address")
	}
	return &Server{
		config:  config,
		tlsCfg:  identitytls.ServerConfig(config.Credentials, config.AllowedRemoteLegalNames),
		conns:   make(map[*peerConn]struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Start binds the listen address and begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("peerchannel: listen %s: %w", s.config.Address, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the server's bound address, useful when Address was ":0".
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every active connection, emitting
// connected=false for each, then waits for the accept loop to exit.
// Stop is idempotent.
func (s *Server) Stop() {
	s.closeOnce.Do(func() {
		close(s.stopped)
		if s.listener != nil {
			s.listener.Close()
		}
		s.connsMu.Lock()
		conns := make([]*peerConn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.connsMu.Unlock()
		for _, c := range conns {
			c.close("server stopping")
		}
	})
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(raw)
	}
}

func (s *Server) handleConnection(raw net.Conn) {
	defer s.wg.Done()

	remoteAddr := raw.RemoteAddr().String()

	tlsConn := tls.Server(raw, s.tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		raw.Close()
		s.logError(remoteAddr, fmt.Errorf("peerchannel: TLS handshake with %s: %w", remoteAddr, err))
		s.fireConnectionChange(ConnectionChange{RemoteAddress: remoteAddr, Connected: false})
		return
	}

	leaf, name, err := identitytls.PeerIdentity(tlsConn)
	if err != nil {
		tlsConn.Close()
		s.logError(remoteAddr, fmt.Errorf("peerchannel: %w", err))
		s.fireConnectionChange(ConnectionChange{RemoteAddress: remoteAddr, Connected: false})
		return
	}

	connID := uuid.NewString()

	c := newPeerConn(tlsConn, remoteAddr, leaf, name, peerConnOptions{
		containerID: s.config.Address,
		linkCredit:  s.config.LinkCredit,
		idleTimeout: s.config.IdleTimeout,
		logger:      s.config.Logger,
		connID:      connID,
		onReceive: func(msg Message) bool {
			if s.config.OnReceive == nil {
				return true
			}
			return s.config.OnReceive(RemoteMessage{
				RemoteAddress:   remoteAddr,
				RemoteLegalName: name,
				Payload:         msg.Payload,
			})
		},
	})

	if err := c.start(); err != nil {
		tlsConn.Close()
		s.logError(remoteAddr, err)
		s.fireConnectionChange(ConnectionChange{RemoteAddress: remoteAddr, RemoteCert: leaf, RemoteLegalName: name, Connected: false})
		return
	}

	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()

	s.fireConnectionChange(ConnectionChange{
		RemoteAddress:   remoteAddr,
		RemoteCert:      leaf,
		RemoteLegalName: name,
		Connected:       true,
	})

	<-c.closeCh

	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()

	s.fireConnectionChange(ConnectionChange{
		RemoteAddress:   remoteAddr,
		RemoteCert:      leaf,
		RemoteLegalName: name,
		Connected:       false,
	})
}

// logError records a handshake/identity failure at ERROR level before
// the connection is closed.
func (s *Server) logError(remoteAddr string, err error) {
	logger := s.config.Logger
	if logger == nil {
		logger = protolog.NoopLogger{}
	}
	logger.Log(protolog.Event{
		Timestamp:  time.Now(),
		Direction:  protolog.DirectionIn,
		Layer:      protolog.LayerChannel,
		Category:   protolog.CategoryError,
		RemoteAddr: remoteAddr,
		Error:      &protolog.ErrorEvent{Layer: protolog.LayerChannel, Message: err.Error()},
	})
}

func (s *Server) fireConnectionChange(change ConnectionChange) {
	if s.config.OnConnection != nil {
		s.config.OnConnection(change)
	}
}

// Send writes payload to every currently connected peer, returning the
// handles tracking each delivery.
func (s *Server) Send(payload []byte) []*MessageHandle {
	s.connsMu.Lock()
	conns := make([]*peerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	handles := make([]*MessageHandle, 0, len(conns))
	for _, c := range conns {
		if h, err := c.send(payload); err == nil {
			handles = append(handles, h)
		}
	}
	return handles
}

// ConnectionCount reports the number of currently active connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}
