package certkit

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/ledgernet/peernode/pkg/legalname"
)

// ErrCSRMissingEmail reports a CSR that carries no email address
// attribute. ParseCSR does not return it: a CSR without an email address
// parses successfully with an empty Email.
var ErrCSRMissingEmail = errors.New("csr has no email address attribute")

// CreateCSR builds a DER-encoded PKCS#10 certificate signing request with
// subject=principal, an optional email address attribute, signed by kp.
func CreateCSR(principal legalname.Name, email string, kp KeyPair) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject: principal.ToPKIXName(),
	}
	if email != "" {
		template.EmailAddresses = []string{email}
	}
	return x509.CreateCertificateRequest(rand.Reader, template, kp.PrivateKey)
}

// ParsedCSR is the result of parsing and verifying a CSR.
type ParsedCSR struct {
	Subject   legalname.Name
	PublicKey *ecdsa.PublicKey
	Email     string
}

// ParseCSR parses DER-encoded PKCS#10 bytes, verifies the request's
// self-signature, and extracts the subject, public key, and optional
// email address.
func ParseCSR(der []byte) (*ParsedCSR, error) {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("parse csr: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("csr signature invalid: %w", err)
	}
	pub, ok := csr.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("csr public key is not ECDSA")
	}
	subject, err := legalname.FromPKIXName(csr.Subject)
	if err != nil {
		return nil, fmt.Errorf("csr subject: %w", err)
	}

	var email string
	if len(csr.EmailAddresses) > 0 {
		email = csr.EmailAddresses[0]
	}

	return &ParsedCSR{Subject: subject, PublicKey: pub, Email: email}, nil
}
