// Package peerchannel implements the long-lived, mutually-authenticated
// AMQP peer transport: a Server that accepts inbound connections and a
// Client that maintains one outbound connection across an ordered list
// of candidate addresses, failing over between them.
package peerchannel

import (
	"crypto/x509"
	"errors"

	"github.com/ledgernet/peernode/pkg/legalname"
)

// Errors surfaced to callers of Server/Client.
var (
	ErrMessageMisrouted = errors.New("peerchannel: message destination does not match the active connection")
	ErrBackpressure     = errors.New("peerchannel: outbound queue full")
	ErrNotConnected     = errors.New("peerchannel: not connected")
	ErrClosed           = errors.New("peerchannel: channel closed")
)

// ConnectionChange is fired on a channel's event stream whenever a
// connection is established or lost.
type ConnectionChange struct {
	RemoteAddress   string
	RemoteCert      *x509.Certificate
	RemoteLegalName legalname.Name
	Connected       bool
}

// Message is one application delivery, either received from a peer or
// submitted for send.
type Message struct {
	DestinationAddress   string
	DestinationLegalName legalname.Name
	Payload              []byte
}

// MessageHandle tracks an outbound Message through to its terminal
// disposition, mirroring amqpengine.MessageHandle one layer up.
type MessageHandle struct {
	done chan struct{}
	err  error
}

func newMessageHandle() *MessageHandle {
	return &MessageHandle{done: make(chan struct{})}
}

func (h *MessageHandle) complete(err error) {
	h.err = err
	close(h.done)
}

// Wait blocks until the message reaches a terminal disposition and
// returns nil (accepted) or the failure reason (rejected, failed to
// submit, or ErrClosed when the connection or client closed first).
// Misrouting is reported by Write itself, not through a handle.
func (h *MessageHandle) Wait() error {
	<-h.done
	return h.err
}

// Done reports whether the handle has reached a terminal state without
// blocking.
func (h *MessageHandle) Done() <-chan struct{} {
	return h.done
}
