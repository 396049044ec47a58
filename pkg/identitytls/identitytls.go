// Package identitytls sits between the raw TCP socket and the AMQP
// engine: it drives the TLS handshake with the node's operational
// credentials, then enforces that whoever is on the other end holds a
// certificate chaining to the trusted root and, optionally, carries an
// allow-listed legal name.
package identitytls

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/ledgernet/peernode/pkg/certkit"
	"github.com/ledgernet/peernode/pkg/legalname"
)

// ALPNProtocol is the protocol identifier negotiated over TLS for this
// transport.
const ALPNProtocol = "peernode-amqp/1"

// Peer verification failures, returned by VerifyPeer and PeerIdentity.
var (
	ErrNoPeerCertificate   = errors.New("identitytls: peer presented no certificate")
	ErrPeerChainUntrusted  = errors.New("identitytls: peer chain does not terminate at trusted root")
	ErrUnexpectedIdentity  = errors.New("identitytls: peer legal name not in allow-list")
)

// Credentials bundles the material a node presents on the wire: its own
// leaf-to-root chain and private key (from the SSL keystore), and the
// root it expects its peer's chain to terminate at (the truststore).
type Credentials struct {
	Certificate tls.Certificate // leaf + intermediates, built via NewCertificate
	TrustedRoot *x509.Certificate
}

// NewCertificate assembles a tls.Certificate from a private key and its
// leaf-to-root chain, as stored by credstore.Get, for use as the local
// side of ServerConfig/ClientConfig.
func NewCertificate(key *ecdsa.PrivateKey, chain certkit.CertChain) tls.Certificate {
	raw := make([][]byte, len(chain))
	for i, cert := range chain {
		raw[i] = cert.Raw
	}
	return tls.Certificate{
		Certificate: raw,
		PrivateKey:  key,
	}
}

// ServerConfig builds a *tls.Config for accepting inbound peer
// connections: TLS 1.3 only, mutual authentication required, and chain
// verification against creds.TrustedRoot performed manually via
// VerifyPeerCertificate so that allow-list enforcement can run in the
// same callback before the handshake is allowed to complete.
func ServerConfig(creds Credentials, allowed *legalname.AllowList) *tls.Config {
	roots := x509.NewCertPool()
	roots.AddCert(creds.TrustedRoot)

	return &tls.Config{
		MinVersion:             tls.VersionTLS13,
		MaxVersion:             tls.VersionTLS13,
		ClientAuth:             tls.RequireAnyClientCert,
		Certificates:           []tls.Certificate{creds.Certificate},
		NextProtos:             []string{ALPNProtocol},
		CurvePreferences:       []tls.CurveID{tls.X25519, tls.CurveP256},
		SessionTicketsDisabled: true,
		InsecureSkipVerify:     true, // verification happens in VerifyPeerCertificate below
		VerifyPeerCertificate:  verifyPeerFunc(creds.TrustedRoot, allowed),
	}
}

// ClientConfig builds a *tls.Config for dialing a peer. Identical
// posture to ServerConfig: Go's built-in hostname verification is
// disabled because peers are identified by legal name, not DNS name.
func ClientConfig(creds Credentials, allowed *legalname.AllowList) *tls.Config {
	return &tls.Config{
		MinVersion:             tls.VersionTLS13,
		MaxVersion:             tls.VersionTLS13,
		Certificates:           []tls.Certificate{creds.Certificate},
		NextProtos:             []string{ALPNProtocol},
		CurvePreferences:       []tls.CurveID{tls.X25519, tls.CurveP256},
		SessionTicketsDisabled: true,
		InsecureSkipVerify:     true,
		VerifyPeerCertificate:  verifyPeerFunc(creds.TrustedRoot, allowed),
	}
}

func verifyPeerFunc(trustedRoot *x509.Certificate, allowed *legalname.AllowList) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		_, _, err := VerifyPeer(rawCerts, trustedRoot, allowed)
		return err
	}
}

// VerifyPeer parses the raw certificate chain a peer presented, checks
// it terminates at trustedRoot, and if allowed is non-nil checks the
// peer's legal name is a member. It returns the parsed leaf and its
// legal name on success.
func VerifyPeer(rawCerts [][]byte, trustedRoot *x509.Certificate, allowed *legalname.AllowList) (*x509.Certificate, legalname.Name, error) {
	if len(rawCerts) == 0 {
		return nil, legalname.Name{}, ErrNoPeerCertificate
	}

	chain := make(certkit.CertChain, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, legalname.Name{}, fmt.Errorf("identitytls: parse peer certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	chain = append(chain, trustedRoot)

	if err := certkit.ValidateChain(trustedRoot, chain); err != nil {
		return nil, legalname.Name{}, fmt.Errorf("%w: %v", ErrPeerChainUntrusted, err)
	}

	leaf := chain.Leaf()
	name, err := legalname.FromPKIXName(leaf.Subject)
	if err != nil {
		return nil, legalname.Name{}, fmt.Errorf("identitytls: parse peer legal name: %w", err)
	}

	if allowed != nil && !allowed.Contains(name) {
		return nil, legalname.Name{}, fmt.Errorf("%w: %s", ErrUnexpectedIdentity, name)
	}

	return leaf, name, nil
}

// PeerIdentity reports the verified remote legal name and certificate
// from a completed tls.Conn handshake.
func PeerIdentity(conn *tls.Conn) (*x509.Certificate, legalname.Name, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, legalname.Name{}, ErrNoPeerCertificate
	}
	leaf := state.PeerCertificates[0]
	name, err := legalname.FromPKIXName(leaf.Subject)
	if err != nil {
		return nil, legalname.Name{}, fmt.Errorf("identitytls: parse peer legal name: %w", err)
	}
	return leaf, name, nil
}
