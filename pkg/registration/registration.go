// Package registration implements the node enrolment bootstrap: a
// crash-resumable state machine that generates a key, submits a CSR to
// a doorman registration authority, polls for approval, and installs
// the resulting certificate chain into the node's credential stores.
package registration

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/ledgernet/peernode/pkg/certkit"
	"github.com/ledgernet/peernode/pkg/credstore"
	"github.com/ledgernet/peernode/pkg/legalname"
)

// trustedRoot returns the compatibility zone's pre-provisioned root from
// stores.TrustStore. The root is never taken from the doorman's
// response: it must already be on disk, installed out-of-band, before
// enrolment runs.
func trustedRoot(stores Stores) (*x509.Certificate, error) {
	root, err := stores.TrustStore.GetCert(AliasRootCA)
	if err != nil {
		if errors.Is(err, credstore.ErrAliasMissing) {
			return nil, ErrTrustStoreMissing
		}
		return nil, err
	}
	return root, nil
}

// Stores groups the three credential containers BuildKeystore touches.
// NodeStore ends up holding the transient self-signed key and then
// CLIENT_CA; SSLStore ends up holding CLIENT_TLS; TrustStore ends up
// holding ROOT_CA.
type Stores struct {
	NodeStore  credstore.Store
	SSLStore   credstore.Store
	TrustStore credstore.Store
}

// BuildKeystore runs the enrolment state machine to completion,
// resuming from whatever on-disk state already exists under
// cfg.CertificatesDirectory. It is idempotent under crash: calling it
// again after an interruption picks up at the correct step.
func BuildKeystore(ctx context.Context, cfg Config, stores Stores, doorman *DoormanClient) error {
	if stores.NodeStore.Contains(AliasClientCA) {
		return ErrAlreadyEnrolled
	}

	root, err := trustedRoot(stores)
	if err != nil {
		return err
	}

	principal, err := legalname.New(cfg.Organisation, cfg.Locality, cfg.Country)
	if err != nil {
		return fmt.Errorf("build principal: %w", err)
	}
	principal.CommonName = cfg.LegalName

	key, err := ensureSelfSigned(stores.NodeStore, cfg, principal)
	if err != nil {
		return fmt.Errorf("ensure self-signed identity: %w", err)
	}

	requestID, err := submitOrResume(ctx, doorman, cfg, principal, key)
	if err != nil {
		return fmt.Errorf("submit certificate request: %w", err)
	}

	chain, err := poll(ctx, doorman, cfg, requestID)
	if err != nil {
		return err
	}

	if err := certkit.ValidateChain(root, chain); err != nil {
		_ = deleteRequestID(cfg.CertificatesDirectory)
		return fmt.Errorf("%w: %v", ErrChainUntrusted, err)
	}

	if err := install(stores, cfg, key, chain); err != nil {
		return fmt.Errorf("install certificate chain: %w", err)
	}

	if err := deriveTLS(stores, cfg, key, chain); err != nil {
		return fmt.Errorf("derive tls identity: %w", err)
	}

	return deleteRequestID(cfg.CertificatesDirectory)
}

// ensureSelfSigned generates (or returns the already-persisted) transient
// identity the CSR is built over. The private key generated here survives
// across restarts under AliasSelfSignedKey so a crash never causes a CSR
// to be resubmitted for a different key.
func ensureSelfSigned(nodeStore credstore.Store, cfg Config, principal legalname.Name) (*certkit.KeyPair, error) {
	pw := cfg.privateKeyPassword()

	if nodeStore.Contains(AliasSelfSignedKey) {
		priv, _, err := nodeStore.Get(AliasSelfSignedKey, pw)
		if err != nil {
			return nil, err
		}
		return &certkit.KeyPair{PrivateKey: priv, PublicKey: &priv.PublicKey}, nil
	}

	kp, err := certkit.GenerateKeyPair(cfg.Scheme)
	if err != nil {
		return nil, err
	}
	selfSigned, err := certkit.CreateCertificate(certkit.RoleTLS, nil, kp.PrivateKey, principal, kp.PublicKey, certkit.SelfSignedValidity)
	if err != nil {
		return nil, err
	}
	if err := nodeStore.Put(AliasSelfSignedKey, pw, kp.PrivateKey, []*x509.Certificate{selfSigned}); err != nil {
		return nil, err
	}
	if err := nodeStore.Save(cfg.KeyStorePassword); err != nil {
		return nil, err
	}
	return &kp, nil
}

// submitOrResume submits a fresh CSR, or returns the request ID of an
// already-submitted one found on disk.
func submitOrResume(ctx context.Context, doorman *DoormanClient, cfg Config, principal legalname.Name, key *certkit.KeyPair) (string, error) {
	if id, ok, err := readRequestID(cfg.CertificatesDirectory); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}

	csrDER, err := certkit.CreateCSR(principal, cfg.EmailAddress, *key)
	if err != nil {
		return "", err
	}

	requestID, err := doorman.Submit(ctx, csrDER)
	if err != nil {
		return "", err
	}
	if err := writeRequestID(cfg.CertificatesDirectory, requestID); err != nil {
		return "", err
	}
	return requestID, nil
}

// poll retrieves the request's outcome, sleeping between not-ready
// responses until success, explicit rejection, timeout, or
// cancellation.
func poll(ctx context.Context, doorman *DoormanClient, cfg Config, requestID string) (certkit.CertChain, error) {
	var deadline time.Time
	if cfg.MaxEnrolmentDuration > 0 {
		deadline = time.Now().Add(cfg.MaxEnrolmentDuration)
	}

	for {
		chain, err := doorman.RetrieveCertificates(ctx, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrInterrupted
			}
			var rejected *CertificateRequestRejected
			if errors.As(err, &rejected) {
				_ = deleteRequestID(cfg.CertificatesDirectory)
			}
			return nil, err
		}
		if chain != nil {
			return chain, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrEnrolmentTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ErrInterrupted
		case <-time.After(cfg.pollInterval()):
		}
	}
}

// install stores the already-validated chain under CLIENT_CA, discarding
// the transient self-signed identity. The truststore's root is untouched:
// it was provisioned before enrolment and is read-only at runtime.
func install(stores Stores, cfg Config, key *certkit.KeyPair, chain certkit.CertChain) error {
	if len(chain) == 0 {
		return ErrChainMismatch
	}

	pw := cfg.privateKeyPassword()
	if err := stores.NodeStore.Put(AliasClientCA, pw, key.PrivateKey, []*x509.Certificate(chain)); err != nil {
		return err
	}
	if err := stores.NodeStore.Delete(AliasSelfSignedKey); err != nil {
		return err
	}
	return stores.NodeStore.Save(cfg.KeyStorePassword)
}

// deriveTLS issues a fresh TLS leaf under the now-installed CLIENT_CA
// and stores it into the SSL keystore.
func deriveTLS(stores Stores, cfg Config, clientCAKey *certkit.KeyPair, chain certkit.CertChain) error {
	clientCACert := chain.Leaf()

	subject, err := legalname.FromPKIXName(clientCACert.Subject)
	if err != nil {
		return fmt.Errorf("client ca subject: %w", err)
	}

	tlsKP, err := certkit.GenerateKeyPair(cfg.Scheme)
	if err != nil {
		return err
	}
	tlsCert, err := certkit.CreateCertificate(certkit.RoleTLS, clientCACert, clientCAKey.PrivateKey, subject, tlsKP.PublicKey, certkit.TLSLeafValidity)
	if err != nil {
		return err
	}

	fullChain := append([]*x509.Certificate{tlsCert}, chain...)

	pw := cfg.privateKeyPassword()
	if err := stores.SSLStore.Put(AliasClientTLS, pw, tlsKP.PrivateKey, fullChain); err != nil {
		return err
	}
	return stores.SSLStore.Save(cfg.KeyStorePassword)
}
