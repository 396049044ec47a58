package certkit

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ledgernet/peernode/pkg/legalname"
)

// Construction errors.
var (
	ErrNoValidityOverlap = errors.New("no validity overlap between requested lifetime and issuer")
	ErrUnsupportedScheme = errors.New("unsupported signature scheme")
)

// GenerateKeyPair creates a fresh key pair for the given scheme.
func GenerateKeyPair(scheme Scheme) (KeyPair, error) {
	priv, err := ecdsa.GenerateKey(scheme.curve(), rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key pair: %w", err)
	}
	return KeyPair{PrivateKey: priv, PublicKey: &priv.PublicKey}, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// CreateSelfSignedCA builds a self-signed root certificate for principal,
// signed by its own key pair.
func CreateSelfSignedCA(principal legalname.Name, kp KeyPair) (*x509.Certificate, error) {
	return CreateCertificate(RoleRootCA, nil, kp.PrivateKey, principal, kp.PublicKey, RootCAValidity)
}

// validityWindow derives (notBefore, notAfter) for a child certificate:
// start = max(now, issuer.notBefore), end = min(now+lifetime,
// issuer.notAfter). issuer may be nil for a self-signed root.
func validityWindow(issuer *x509.Certificate, lifetime time.Duration) (time.Time, time.Time, error) {
	now := time.Now()
	start := now
	end := now.Add(lifetime)

	if issuer != nil {
		if issuer.NotBefore.After(start) {
			start = issuer.NotBefore
		}
		if issuer.NotAfter.Before(end) {
			end = issuer.NotAfter
		}
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, ErrNoValidityOverlap
	}
	return start, end, nil
}

// CreateCertificate builds a certificate for subjectPrincipal/subjectPublicKey
// with the given role, signed by issuerSigner. issuerCert is nil only when
// self-signing a root. lifetime is the requested validity window length;
// the actual window is clamped to the issuer's own validity, always
// derived from the real issuer certificate passed in rather than a
// hardcoded default.
func CreateCertificate(
	role Role,
	issuerCert *x509.Certificate,
	issuerSigner *ecdsa.PrivateKey,
	subjectPrincipal legalname.Name,
	subjectPublicKey *ecdsa.PublicKey,
	lifetime time.Duration,
) (*x509.Certificate, error) {
	if lifetime <= 0 {
		lifetime = defaultLifetimeFor(role)
	}

	notBefore, notAfter, err := validityWindow(issuerCert, lifetime)
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	subject := subjectPrincipal.ToPKIXName()

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              role.keyUsage(),
		ExtKeyUsage:           role.extKeyUsage(),
		BasicConstraintsValid: true,
		IsCA:                  role.isCA(),
		SubjectKeyId:          subjectKeyID(subjectPublicKey),
	}

	if role.isCA() {
		// Path length is derived from the issuer, never hardcoded: a root
		// signs an intermediate with one fewer level of delegation than
		// it itself permits.
		if issuerCert != nil && issuerCert.MaxPathLen > 0 {
			template.MaxPathLen = issuerCert.MaxPathLen - 1
			template.MaxPathLenZero = template.MaxPathLen == 0
		} else if issuerCert == nil {
			template.MaxPathLen = 1
		}
	}

	parent := template
	signer := issuerSigner
	if issuerCert != nil {
		parent = issuerCert
		template.AuthorityKeyId = issuerCert.SubjectKeyId
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, subjectPublicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return x509.ParseCertificate(der)
}

func defaultLifetimeFor(role Role) time.Duration {
	switch role {
	case RoleRootCA:
		return RootCAValidity
	case RoleIntermediateCA, RoleNodeCA:
		return NodeCAValidity
	case RoleTLS:
		return TLSLeafValidity
	default:
		return TLSLeafValidity
	}
}

func subjectKeyID(pub *ecdsa.PublicKey) []byte {
	if pub == nil {
		return nil
	}
	raw := append(pub.X.Bytes(), pub.Y.Bytes()...)
	// A short, deterministic identifier is all SubjectKeyId needs to be;
	// it is not a cryptographic commitment.
	sum := make([]byte, 20)
	for i, b := range raw {
		sum[i%20] ^= b
	}
	return sum
}

// SubjectKeyID exposes subjectKeyID for callers outside the package that
// need to compute the same identifier (e.g. AuthorityKeyId cross-checks).
func SubjectKeyID(pub *ecdsa.PublicKey) []byte { return subjectKeyID(pub) }
