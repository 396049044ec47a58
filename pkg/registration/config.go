package registration

import (
	"time"

	"github.com/ledgernet/peernode/pkg/certkit"
)

// Alias names used within the node/SSL/trust keystores.
const (
	AliasClientCA      = "cordaclientca"
	AliasSelfSignedKey = "self-signed"
	AliasClientTLS     = "cordaclienttls"
	AliasRootCA        = "cordarootca"

	requestIDFileName = "certificate-request-id.txt"
)

// DefaultPollInterval is how often BuildKeystore re-polls the doorman
// while a certificate request is outstanding.
const DefaultPollInterval = 10 * time.Second

// Config carries every tunable BuildKeystore needs. It is a plain
// struct with no file-parsing behind it; callers build one directly.
type Config struct {
	// CertificatesDirectory holds the three keystores plus the
	// outstanding-request marker file.
	CertificatesDirectory string

	// LegalName is the node's own identity, used as the subject of
	// both the transient self-signed certificate and the CSR.
	LegalName string

	// Organisation, Locality, Country fill out the X.500 name
	// alongside LegalName as the common name.
	Organisation, Locality, Country string

	// EmailAddress is optional; when set it is carried as a CSR
	// attribute.
	EmailAddress string

	// DoormanURL is the base URL of the registration authority.
	DoormanURL string

	// KeyStorePassword protects the node and SSL keystore containers.
	KeyStorePassword []byte

	// PrivateKeyPassword protects individual private key entries
	// within those containers. It may diverge from KeyStorePassword;
	// when unset it defaults equal.
	PrivateKeyPassword []byte

	// TrustStorePassword protects the truststore container.
	TrustStorePassword []byte

	// PollInterval is how long to sleep between not-ready polls.
	// Zero means DefaultPollInterval.
	PollInterval time.Duration

	// MaxEnrolmentDuration bounds the total time BuildKeystore will
	// spend waiting for doorman approval. Zero means unbounded.
	MaxEnrolmentDuration time.Duration

	// Scheme selects the signature scheme used for both the transient
	// self-signed identity and the derived TLS leaf. Zero value is
	// certkit.SchemeECDSAP256.
	Scheme certkit.Scheme
}

func (c *Config) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return DefaultPollInterval
}

func (c *Config) privateKeyPassword() []byte {
	if len(c.PrivateKeyPassword) > 0 {
		return c.PrivateKeyPassword
	}
	return c.KeyStorePassword
}
