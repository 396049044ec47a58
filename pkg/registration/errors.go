package registration

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by BuildKeystore. Use errors.Is to test for
// them; CertificateRequestRejected additionally carries the doorman's
// reason string.
var (
	// ErrAlreadyEnrolled is returned (not an error condition from the
	// caller's point of view) when the node keystore already holds
	// CLIENT_CA; BuildKeystore is then a no-op.
	ErrAlreadyEnrolled = errors.New("node already enrolled")

	// ErrEnrolmentTimeout is returned when polling exceeds
	// Config.MaxEnrolmentDuration without a resolution.
	ErrEnrolmentTimeout = errors.New("enrolment timed out waiting for doorman approval")

	// ErrInterrupted is returned when the context is cancelled while
	// polling; no on-disk state is lost, and re-running BuildKeystore
	// resumes from the same point.
	ErrInterrupted = errors.New("enrolment interrupted")

	// ErrChainMismatch is returned when the doorman accepts a request
	// but returns an empty or malformed certificate chain.
	ErrChainMismatch = errors.New("doorman returned malformed certificate chain")

	// ErrTrustStoreMissing is returned when the truststore does not
	// already hold a ROOT_CA entry. The compatibility zone's root must
	// be provisioned into the truststore before enrolment runs; it is
	// never derived from the doorman's response.
	ErrTrustStoreMissing = errors.New("truststore has no trusted root configured")

	// ErrChainUntrusted is returned when the doorman's returned chain
	// does not validate against the pre-provisioned trusted root. No
	// chain is installed and the outstanding request-id file is
	// deleted.
	ErrChainUntrusted = errors.New("doorman certificate chain does not terminate at the trusted root")
)

// CertificateRequestRejected is returned when the doorman explicitly
// rejects a submitted CSR.
type CertificateRequestRejected struct {
	Reason string
}

func (e *CertificateRequestRejected) Error() string {
	return fmt.Sprintf("certificate request rejected: %s", e.Reason)
}
