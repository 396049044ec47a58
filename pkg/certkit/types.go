// Package certkit generates keys and certificates, builds and parses
// PKCS#10 certificate signing requests, and validates certificate chains
// against a trusted root.
package certkit

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"time"
)

// Default validity periods, mirroring the lifetimes a compatibility zone
// typically configures.
const (
	// RootCAValidity is the default validity for a freshly generated root.
	RootCAValidity = 20 * 365 * 24 * time.Hour

	// NodeCAValidity is the default validity for a node's CLIENT_CA.
	NodeCAValidity = 5 * 365 * 24 * time.Hour

	// TLSLeafValidity is the default validity for the derived TLS leaf.
	TLSLeafValidity = 365 * 24 * time.Hour

	// SelfSignedValidity is the transient self-signed certificate's
	// lifetime: just long enough to survive a slow doorman round-trip.
	SelfSignedValidity = 24 * time.Hour
)

// KeyPair holds an ECDSA P-256 key pair. P-256 is the default TLS
// signature scheme; other curves can be requested via GenerateKeyPair's
// scheme argument.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	PublicKey  *ecdsa.PublicKey
}

// Scheme identifies a signature scheme for GenerateKeyPair.
type Scheme int

const (
	// SchemeECDSAP256 is ECDSA over NIST P-256 with SHA-256, the default.
	SchemeECDSAP256 Scheme = iota
	// SchemeECDSAP384 is ECDSA over NIST P-384 with SHA-384.
	SchemeECDSAP384
)

func (s Scheme) curve() elliptic.Curve {
	if s == SchemeECDSAP384 {
		return elliptic.P384()
	}
	return elliptic.P256()
}

// Role governs the key usages and path-length constraints a certificate
// is built with.
type Role int

const (
	RoleRootCA Role = iota
	RoleIntermediateCA
	RoleNodeCA // a.k.a. CLIENT_CA
	RoleTLS
	RoleLegalIdentity
	RoleConfidentialLegalIdentity
	RoleServiceIdentity
)

// String returns a human-readable role name.
func (r Role) String() string {
	switch r {
	case RoleRootCA:
		return "ROOT_CA"
	case RoleIntermediateCA:
		return "INTERMEDIATE_CA"
	case RoleNodeCA:
		return "NODE_CA"
	case RoleTLS:
		return "TLS"
	case RoleLegalIdentity:
		return "LEGAL_IDENTITY"
	case RoleConfidentialLegalIdentity:
		return "CONFIDENTIAL_LEGAL_IDENTITY"
	case RoleServiceIdentity:
		return "SERVICE_IDENTITY"
	default:
		return "UNKNOWN"
	}
}

// isCA reports whether certificates with this role are themselves CAs.
func (r Role) isCA() bool {
	return r == RoleRootCA || r == RoleIntermediateCA || r == RoleNodeCA
}

// keyUsage returns the x509.KeyUsage bits appropriate to the role.
func (r Role) keyUsage() x509.KeyUsage {
	if r.isCA() {
		return x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	}
	return x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
}

// extKeyUsage returns the x509.ExtKeyUsage list appropriate to the role.
func (r Role) extKeyUsage() []x509.ExtKeyUsage {
	if r == RoleTLS {
		return []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}
	}
	if r.isCA() {
		return nil
	}
	return []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
}
