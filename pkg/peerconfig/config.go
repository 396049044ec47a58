// Package peerconfig carries every tunable the enrolment client and the
// peer channel need, as a plain value object rather than a singleton or
// a file-backed settings store.
package peerconfig

import (
	"time"

	"github.com/ledgernet/peernode/pkg/legalname"
)

// Config is constructed entirely in Go by the embedding application (or
// by a flag-parsed CLI) — no file format or environment-variable
// binding is provided here.
type Config struct {
	// Identity
	MyLegalName  legalname.Name
	EmailAddress string

	// Credential storage
	CertificatesDirectory string
	KeyStorePassword       []byte
	PrivateKeyPassword     []byte // defaults to KeyStorePassword when unset
	TrustStorePassword     []byte

	// Registration
	DoormanURL            string
	PollInterval          time.Duration
	MaxEnrolmentDuration  time.Duration

	// Peer channel
	AllowedRemoteLegalNames *legalname.AllowList
	CandidateAddresses      []string // client dial order; ignored by Server
	ListenAddress           string   // Server bind address

	// Flow control / resource bounds
	LinkCredit        uint32 // receiver credit window
	OutboundQueueSize int    // bounded outbound buffer per connection

	// TLSSignatureScheme selects the curve used for generated key pairs.
	TLSSignatureScheme Scheme
}

// Scheme mirrors certkit.Scheme without importing crypto types here, so
// peerconfig stays a plain data holder.
type Scheme int

const (
	SchemeECDSAP256 Scheme = iota
	SchemeECDSAP384
)

// DefaultPollInterval is the default interval between doorman polls.
const DefaultPollInterval = 10 * time.Second

// DefaultLinkCredit and DefaultOutboundQueueSize give the peer channel
// sane bounds when a caller does not set them explicitly.
const (
	DefaultLinkCredit        = 64
	DefaultOutboundQueueSize = 256
)

// keyStorePassword returns the store-level password, applying no
// default: callers must set it.
func (c Config) keyStorePassword() []byte {
	return c.KeyStorePassword
}

// privateKeyPassword returns the per-entry password, defaulting to the
// store-level password when the caller left it unset.
func (c Config) privateKeyPassword() []byte {
	if len(c.PrivateKeyPassword) == 0 {
		return c.KeyStorePassword
	}
	return c.PrivateKeyPassword
}

// pollInterval returns the configured poll interval, or the default.
func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return c.PollInterval
}

// linkCredit returns the configured receiver credit window, or the
// default.
func (c Config) linkCredit() uint32 {
	if c.LinkCredit == 0 {
		return DefaultLinkCredit
	}
	return c.LinkCredit
}

// outboundQueueSize returns the configured outbound buffer bound, or
// the default.
func (c Config) outboundQueueSize() int {
	if c.OutboundQueueSize == 0 {
		return DefaultOutboundQueueSize
	}
	return c.OutboundQueueSize
}

// Resolved applies every default and returns the values peerchannel and
// registration actually consume, so neither package re-implements the
// fallback rules above.
func (c Config) Resolved() Resolved {
	return Resolved{
		KeyStorePassword:      c.keyStorePassword(),
		PrivateKeyPassword:    c.privateKeyPassword(),
		TrustStorePassword:    c.TrustStorePassword,
		PollInterval:          c.pollInterval(),
		MaxEnrolmentDuration:  c.MaxEnrolmentDuration,
		LinkCredit:            c.linkCredit(),
		OutboundQueueSize:     c.outboundQueueSize(),
	}
}

// Resolved is Config with every default applied, returned by
// Config.Resolved so downstream packages never re-derive fallbacks.
type Resolved struct {
	KeyStorePassword     []byte
	PrivateKeyPassword   []byte
	TrustStorePassword   []byte
	PollInterval         time.Duration
	MaxEnrolmentDuration time.Duration
	LinkCredit           uint32
	OutboundQueueSize    int
}
