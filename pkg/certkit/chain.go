package certkit

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// Chain validation errors.
var (
	ErrChainDoesNotTerminateAtRoot = errors.New("chain does not terminate at trusted root")
	ErrSignatureInvalid            = errors.New("certificate signature invalid")
	ErrNotYetValid                 = errors.New("certificate not yet valid")
	ErrExpired                     = errors.New("certificate expired")
	ErrRoleMismatch                = errors.New("certificate role mismatch")
	ErrEmptyChain                  = errors.New("certificate chain is empty")
)

// CertChain is an ordered leaf-to-root sequence of certificates.
type CertChain []*x509.Certificate

// Leaf returns the first certificate in the chain, or nil if empty.
func (c CertChain) Leaf() *x509.Certificate {
	if len(c) == 0 {
		return nil
	}
	return c[0]
}

// ValidateChain checks:
//   - chain is non-empty;
//   - each certificate is signed by its successor;
//   - the final certificate equals trustedRoot by DER equality;
//   - each certificate is currently within its NotBefore/NotAfter;
//   - each certificate's key usage is consistent with its position: the
//     leaf must not be a CA, every link above it must be.
func ValidateChain(trustedRoot *x509.Certificate, chain CertChain) error {
	if len(chain) == 0 {
		return ErrChainDoesNotTerminateAtRoot
	}
	if trustedRoot == nil {
		return fmt.Errorf("%w: no trusted root configured", ErrChainDoesNotTerminateAtRoot)
	}

	last := chain[len(chain)-1]
	if !bytes.Equal(last.Raw, trustedRoot.Raw) {
		return ErrChainDoesNotTerminateAtRoot
	}

	now := time.Now()
	for i, cert := range chain {
		if now.Before(cert.NotBefore) {
			return fmt.Errorf("%w: %s", ErrNotYetValid, cert.Subject)
		}
		if now.After(cert.NotAfter) {
			return fmt.Errorf("%w: %s", ErrExpired, cert.Subject)
		}

		// The leaf is checked against a representative non-CA role; every
		// link above it against a representative CA role. The exact CA
		// role (root, intermediate, node) doesn't matter here, only that
		// its key usage and IsCA bit agree with being a signer.
		positionRole := RoleIntermediateCA
		if i == 0 {
			positionRole = RoleTLS
		}
		if err := ValidateRole(cert, positionRole); err != nil {
			return err
		}

		if i == len(chain)-1 {
			// The root signs itself; a malformed self-signature is still
			// a signature error worth surfacing.
			if err := cert.CheckSignatureFrom(cert); err != nil {
				return fmt.Errorf("%w: root self-signature: %v", ErrSignatureInvalid, err)
			}
			continue
		}

		issuer := chain[i+1]
		if err := cert.CheckSignatureFrom(issuer); err != nil {
			return fmt.Errorf("%w: %s not signed by %s: %v", ErrSignatureInvalid, cert.Subject, issuer.Subject, err)
		}
	}

	return nil
}

// ValidateRole checks that cert's key usage is consistent with the claimed
// role (a defence against a doorman that signs a leaf with CA bits set, or
// vice versa).
func ValidateRole(cert *x509.Certificate, role Role) error {
	if role.isCA() != cert.IsCA {
		return fmt.Errorf("%w: expected IsCA=%v for role %s, got %v", ErrRoleMismatch, role.isCA(), role, cert.IsCA)
	}
	wantUsage := role.keyUsage()
	if cert.KeyUsage&wantUsage != wantUsage {
		return fmt.Errorf("%w: role %s requires key usage %d, certificate has %d", ErrRoleMismatch, role, wantUsage, cert.KeyUsage)
	}
	return nil
}
