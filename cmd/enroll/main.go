// Command enroll bootstraps a node's credentials: it generates a
// self-signed identity, submits a certificate request to a doorman
// registration authority, polls for approval, and installs the
// resulting chain into the node's keystores.
//
// Usage:
//
//	enroll -legal-name NODE -org Acme -locality London -country GB \
//	       -doorman-url https://doorman.example.com \
//	       -certs-dir /var/lib/peernode -keystore-password secret \
//	       -network-root-cert network-root.pem
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/ledgernet/peernode/pkg/certkit"
	"github.com/ledgernet/peernode/pkg/credstore"
	"github.com/ledgernet/peernode/pkg/legalname"
	"github.com/ledgernet/peernode/pkg/peerconfig"
	"github.com/ledgernet/peernode/pkg/registration"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		legalName    = flag.String("legal-name", "", "node common name")
		org          = flag.String("org", "", "organisation")
		locality     = flag.String("locality", "", "locality")
		country      = flag.String("country", "", "country code")
		emailAddress = flag.String("email", "", "optional email address carried on the CSR")
		doormanURL   = flag.String("doorman-url", "", "base URL of the doorman registration authority")
		certsDir     = flag.String("certs-dir", "", "directory holding the node's keystores")
		keyStorePass = flag.String("keystore-password", "", "password protecting the node and SSL keystores")
		trustPass    = flag.String("truststore-password", "", "password protecting the truststore")
		pollInterval = flag.Duration("poll-interval", peerconfig.DefaultPollInterval, "delay between doorman polls")
		maxDuration  = flag.Duration("max-enrolment-duration", 0, "abort enrolment after this long waiting for approval (0 = unbounded)")
		networkRoot  = flag.String("network-root-cert", "", "PEM file holding the compatibility zone's trusted root; required the first time a truststore is created")
		useP384      = flag.Bool("p384", false, "generate ECDSA P-384 keys instead of the P-256 default")
	)
	flag.Parse()

	scheme := peerconfig.SchemeECDSAP256
	if *useP384 {
		scheme = peerconfig.SchemeECDSAP384
	}

	pc := peerconfig.Config{
		MyLegalName: legalname.Name{
			CommonName:   *legalName,
			Organisation: *org,
			Locality:     *locality,
			Country:      *country,
		},
		EmailAddress:          *emailAddress,
		CertificatesDirectory: *certsDir,
		KeyStorePassword:      []byte(*keyStorePass),
		TrustStorePassword:    []byte(*trustPass),
		DoormanURL:            *doormanURL,
		PollInterval:          *pollInterval,
		MaxEnrolmentDuration:  *maxDuration,
		TLSSignatureScheme:    scheme,
	}
	resolved := pc.Resolved()

	cfg := registration.Config{
		CertificatesDirectory: pc.CertificatesDirectory,
		LegalName:             pc.MyLegalName.CommonName,
		Organisation:          pc.MyLegalName.Organisation,
		Locality:              pc.MyLegalName.Locality,
		Country:               pc.MyLegalName.Country,
		EmailAddress:          pc.EmailAddress,
		DoormanURL:            pc.DoormanURL,
		KeyStorePassword:      resolved.KeyStorePassword,
		PrivateKeyPassword:    resolved.PrivateKeyPassword,
		TrustStorePassword:    resolved.TrustStorePassword,
		PollInterval:          resolved.PollInterval,
		MaxEnrolmentDuration:  resolved.MaxEnrolmentDuration,
		Scheme:                certkit.Scheme(pc.TLSSignatureScheme),
	}

	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "enroll: invalid configuration: %v\n", err)
		return 1
	}

	fmt.Println("enroll: starting enrolment")
	fmt.Printf("enroll: legal name %q, doorman %s\n", cfg.LegalName, cfg.DoormanURL)

	if err := os.MkdirAll(cfg.CertificatesDirectory, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "enroll: invalid configuration: %v\n", err)
		return 1
	}

	stores := registration.Stores{
		NodeStore:  credstore.NewFileStore(filepath.Join(cfg.CertificatesDirectory, "nodekeystore.jks")),
		SSLStore:   credstore.NewFileStore(filepath.Join(cfg.CertificatesDirectory, "sslkeystore.jks")),
		TrustStore: credstore.NewFileStore(filepath.Join(cfg.CertificatesDirectory, "truststore.jks")),
	}
	if err := loadOrCreateAll(stores, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "enroll: trust store missing or malformed: %v\n", err)
		return 2
	}
	if err := seedTrustedRoot(stores.TrustStore, cfg, *networkRoot); err != nil {
		fmt.Fprintf(os.Stderr, "enroll: trust store missing or malformed: %v\n", err)
		return 2
	}

	doorman := registration.NewDoormanClient(cfg.DoormanURL, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	fmt.Println("enroll: submitting certificate request")
	err := registration.BuildKeystore(ctx, cfg, stores, doorman)
	switch {
	case err == nil:
		fmt.Println("enroll: certificate chain installed")
		return 0
	case errors.Is(err, registration.ErrAlreadyEnrolled):
		fmt.Println("enroll: node already enrolled, nothing to do")
		return 0
	case errors.Is(err, registration.ErrInterrupted):
		fmt.Println("enroll: interrupted, state preserved for resume")
		return 0
	case errors.Is(err, registration.ErrEnrolmentTimeout):
		fmt.Fprintln(os.Stderr, "enroll: timed out waiting for doorman approval")
		return 3
	case errors.Is(err, registration.ErrTrustStoreMissing):
		fmt.Fprintf(os.Stderr, "enroll: trust store missing or malformed: %v\n", err)
		return 2
	case errors.Is(err, registration.ErrChainUntrusted):
		fmt.Fprintf(os.Stderr, "enroll: chain validation failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "enroll: will now terminate")
		return 4
	default:
		var rejected *registration.CertificateRequestRejected
		if errors.As(err, &rejected) {
			fmt.Fprintf(os.Stderr, "enroll: certificate request rejected: %s\n", rejected.Reason)
			fmt.Fprintln(os.Stderr, "enroll: check myLegalName/org/locality/country against the doorman's expectations")
			fmt.Fprintln(os.Stderr, "enroll: will now terminate")
			return 3
		}
		fmt.Fprintf(os.Stderr, "enroll: chain validation failed: %v\n", err)
		return 4
	}
}

func validateConfig(cfg registration.Config) error {
	switch {
	case cfg.LegalName == "":
		return errors.New("legal-name is required")
	case cfg.Organisation == "" || cfg.Locality == "" || cfg.Country == "":
		return errors.New("org, locality, and country are required")
	case cfg.DoormanURL == "":
		return errors.New("doorman-url is required")
	case cfg.CertificatesDirectory == "":
		return errors.New("certs-dir is required")
	case len(cfg.KeyStorePassword) == 0:
		return errors.New("keystore-password is required")
	}
	return nil
}

// seedTrustedRoot installs networkRootPath's PEM-encoded certificate
// into the truststore under ROOT_CA if the truststore does not already
// hold one. The root itself is never taken from the doorman: it has to
// arrive on the node out-of-band, e.g. downloaded once from the
// compatibility zone's operator.
func seedTrustedRoot(trustStore credstore.Store, cfg registration.Config, networkRootPath string) error {
	if trustStore.Contains(registration.AliasRootCA) {
		return nil
	}
	if networkRootPath == "" {
		return fmt.Errorf("truststore has no trusted root and -network-root-cert was not supplied")
	}
	data, err := os.ReadFile(networkRootPath)
	if err != nil {
		return fmt.Errorf("read network root cert: %w", err)
	}
	root, err := certkit.DecodeCertPEM(data)
	if err != nil {
		return fmt.Errorf("decode network root cert: %w", err)
	}
	if err := trustStore.PutTrustedCert(registration.AliasRootCA, root); err != nil {
		return err
	}
	return trustStore.Save(cfg.TrustStorePassword)
}

func loadOrCreateAll(stores registration.Stores, cfg registration.Config) error {
	if err := stores.NodeStore.LoadOrCreate(cfg.KeyStorePassword); err != nil {
		return fmt.Errorf("node store: %w", err)
	}
	if err := stores.SSLStore.LoadOrCreate(cfg.KeyStorePassword); err != nil {
		return fmt.Errorf("ssl store: %w", err)
	}
	if err := stores.TrustStore.LoadOrCreate(cfg.TrustStorePassword); err != nil {
		return fmt.Errorf("trust store: %w", err)
	}
	return nil
}
