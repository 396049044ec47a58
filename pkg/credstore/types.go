// Package credstore implements a password-protected, file-backed
// credential container: an alias-keyed store of private-key-plus-chain
// entries and trusted-certificate entries, sealed at rest and written
// atomically.
package credstore

import (
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
)

// Sentinel errors surfaced by Store operations.
var (
	// ErrStoreCorrupt is returned when a container's header or framing
	// fails to validate. A failed AEAD tag is reported as ErrBadPassword.
	ErrStoreCorrupt = errors.New("credstore: container corrupt")

	// ErrBadPassword is returned when an entry or the container itself
	// fails to open under the supplied password.
	ErrBadPassword = errors.New("credstore: bad password")

	// ErrAliasMissing is returned when an alias is absent.
	ErrAliasMissing = errors.New("credstore: alias not found")

	// ErrAliasKindMismatch is returned when an alias exists but under a
	// different entry kind than the caller requested.
	ErrAliasKindMismatch = errors.New("credstore: alias exists under a different entry kind")
)

// Kind distinguishes the two entry shapes a container can hold.
type Kind uint8

const (
	// KindPrivateKeyChain is an entry holding a private key plus its
	// certificate chain (leaf first), individually password-protected.
	KindPrivateKeyChain Kind = iota
	// KindTrustedCert is an entry holding a single trusted certificate
	// with no private key (e.g. a truststore's root).
	KindTrustedCert
)

// Entry is the decrypted contents of one container record.
type Entry struct {
	Alias      string
	Kind       Kind
	PrivateKey *ecdsa.PrivateKey // nil for KindTrustedCert
	Chain      []*x509.Certificate
}

// Cert returns the entry's leaf certificate, or nil if the chain is empty.
func (e *Entry) Cert() *x509.Certificate {
	if len(e.Chain) == 0 {
		return nil
	}
	return e.Chain[0]
}

// Store is the operation set a credential container exposes. Passwords
// are opaque byte sequences; implementations never log or echo them.
type Store interface {
	// Load reads the container from its backing storage under
	// storePassword. Returns ErrBadPassword if storePassword does not
	// open the container, ErrStoreCorrupt if the framing is invalid.
	Load(storePassword []byte) error

	// LoadOrCreate loads an existing container, or initialises an empty
	// one under storePassword if none exists yet.
	LoadOrCreate(storePassword []byte) error

	// Save persists the container under storePassword, atomically.
	Save(storePassword []byte) error

	// Contains reports whether alias is present, regardless of kind.
	Contains(alias string) bool

	// Put stores or replaces a private-key-plus-chain entry under
	// alias, sealed additionally with entryPassword (which may equal
	// the store password).
	Put(alias string, entryPassword []byte, key *ecdsa.PrivateKey, chain []*x509.Certificate) error

	// PutTrustedCert stores or replaces a trusted-certificate entry
	// under alias.
	PutTrustedCert(alias string, cert *x509.Certificate) error

	// Delete removes alias. Returns ErrAliasMissing if absent.
	Delete(alias string) error

	// Get returns the private key and chain stored under alias,
	// opened with entryPassword. Returns ErrAliasMissing if absent,
	// ErrAliasKindMismatch if alias is a KindTrustedCert entry,
	// ErrBadPassword if entryPassword does not open it.
	Get(alias string, entryPassword []byte) (*ecdsa.PrivateKey, []*x509.Certificate, error)

	// GetCert returns the leaf certificate stored under alias,
	// regardless of kind. Returns ErrAliasMissing if absent.
	GetCert(alias string) (*x509.Certificate, error)

	// Aliases returns every alias currently present.
	Aliases() []string
}
