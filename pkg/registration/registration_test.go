package registration

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ledgernet/peernode/pkg/certkit"
	"github.com/ledgernet/peernode/pkg/credstore"
	"github.com/ledgernet/peernode/pkg/legalname"
	"github.com/stretchr/testify/require"
)

// fakeDoorman is an in-process registration authority double. It signs
// whatever CSR it receives against a root generated once at construction,
// and can be configured to stay pending for a number of polls, or to
// reject outright.
type fakeDoorman struct {
	mu sync.Mutex

	rootKP  certkit.KeyPair
	root    *x509.Certificate
	pending int
	reject  string

	submitCount int
	lastReqID   string
	issued      map[string]*x509.Certificate
}

func newFakeDoorman(t *testing.T) *fakeDoorman {
	t.Helper()
	rootKP, err := certkit.GenerateKeyPair(certkit.SchemeECDSAP256)
	require.NoError(t, err)
	rootName, err := legalname.New("Doorman Network", "London", "GB")
	require.NoError(t, err)
	rootName.CommonName = "Network Root"
	root, err := certkit.CreateSelfSignedCA(rootName, rootKP)
	require.NoError(t, err)
	return &fakeDoorman{rootKP: rootKP, root: root, issued: make(map[string]*x509.Certificate)}
}

func (d *fakeDoorman) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/certificate", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		parsed, err := certkit.ParseCSR(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		d.mu.Lock()
		d.submitCount++
		d.lastReqID = fmt.Sprintf("req-%d", d.submitCount)
		reqID := d.lastReqID
		d.mu.Unlock()

		clientCA, err := certkit.CreateCertificate(certkit.RoleNodeCA, d.root, d.rootKP.PrivateKey, parsed.Subject, parsed.PublicKey, certkit.NodeCAValidity)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.mu.Lock()
		d.issued[reqID] = clientCA
		d.mu.Unlock()

		w.Write([]byte(reqID))
	})
	mux.HandleFunc("/certificate/", func(w http.ResponseWriter, r *http.Request) {
		reqID := r.URL.Path[len("/certificate/"):]

		d.mu.Lock()
		reject := d.reject
		pendingLeft := d.pending
		if pendingLeft > 0 {
			d.pending--
		}
		clientCA := d.issued[reqID]
		d.mu.Unlock()

		if reject != "" {
			http.Error(w, reject, http.StatusForbidden)
			return
		}
		if pendingLeft > 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		writeZipEntry(zw, "cordaclientca.cer", clientCA.Raw)
		writeZipEntry(zw, "cordarootca.cer", d.root.Raw)
		zw.Close()

		w.Header().Set("Content-Type", "application/zip")
		w.Write(buf.Bytes())
	})
	return httptest.NewServer(mux)
}

func writeZipEntry(zw *zip.Writer, name string, data []byte) {
	f, _ := zw.Create(name)
	f.Write(data)
}

func testConfig(t *testing.T, certsDir string) Config {
	t.Helper()
	return Config{
		CertificatesDirectory: certsDir,
		LegalName:             "Alice Corp",
		Organisation:          "Alice Corp",
		Locality:              "London",
		Country:               "GB",
		EmailAddress:          "ops@alice.example",
		KeyStorePassword:      []byte("keystore-pass"),
		TrustStorePassword:    []byte("truststore-pass"),
		PollInterval:          5 * time.Millisecond,
	}
}

// testStores returns a fresh set of stores with the truststore already
// provisioned with root, mirroring the out-of-band distribution of the
// compatibility zone's trust anchor before enrolment ever runs.
func testStores(t *testing.T, root *x509.Certificate) Stores {
	t.Helper()
	trustStore := credstore.NewMemoryStore()
	require.NoError(t, trustStore.PutTrustedCert(AliasRootCA, root))
	return Stores{
		NodeStore:  credstore.NewMemoryStore(),
		SSLStore:   credstore.NewMemoryStore(),
		TrustStore: trustStore,
	}
}

func TestBuildKeystoreHappyPath(t *testing.T) {
	doorman := newFakeDoorman(t)
	doorman.pending = 2
	srv := doorman.server()
	defer srv.Close()

	cfg := testConfig(t, filepath.Join(t.TempDir(), "certs"))
	stores := testStores(t, doorman.root)
	client := NewDoormanClient(srv.URL, nil)

	err := BuildKeystore(context.Background(), cfg, stores, client)
	require.NoError(t, err)

	require.True(t, stores.NodeStore.Contains(AliasClientCA))
	require.False(t, stores.NodeStore.Contains(AliasSelfSignedKey))
	require.True(t, stores.SSLStore.Contains(AliasClientTLS))
	require.True(t, stores.TrustStore.Contains(AliasRootCA))

	rootCert, err := stores.TrustStore.GetCert(AliasRootCA)
	require.NoError(t, err)
	require.Equal(t, doorman.root.Raw, rootCert.Raw)

	_, chain, err := stores.NodeStore.Get(AliasClientCA, cfg.privateKeyPassword())
	require.NoError(t, err)
	require.NoError(t, certkit.ValidateChain(rootCert, certkit.CertChain(chain)))
}

func TestBuildKeystoreAlreadyEnrolled(t *testing.T) {
	doorman := newFakeDoorman(t)
	srv := doorman.server()
	defer srv.Close()

	cfg := testConfig(t, filepath.Join(t.TempDir(), "certs"))
	stores := testStores(t, doorman.root)
	client := NewDoormanClient(srv.URL, nil)

	require.NoError(t, BuildKeystore(context.Background(), cfg, stores, client))
	err := BuildKeystore(context.Background(), cfg, stores, client)
	require.ErrorIs(t, err, ErrAlreadyEnrolled)
}

func TestBuildKeystoreRejection(t *testing.T) {
	doorman := newFakeDoorman(t)
	doorman.reject = "legal name already registered"
	srv := doorman.server()
	defer srv.Close()

	cfg := testConfig(t, filepath.Join(t.TempDir(), "certs"))
	stores := testStores(t, doorman.root)
	client := NewDoormanClient(srv.URL, nil)

	err := BuildKeystore(context.Background(), cfg, stores, client)
	require.Error(t, err)

	_, exists, rerr := readRequestID(cfg.CertificatesDirectory)
	require.NoError(t, rerr)
	require.False(t, exists)
}

func TestBuildKeystoreResumesAfterInterrupt(t *testing.T) {
	doorman := newFakeDoorman(t)
	doorman.pending = 1000 // never resolves within this test's first attempt
	srv := doorman.server()
	defer srv.Close()

	certsDir := filepath.Join(t.TempDir(), "certs")
	cfg := testConfig(t, certsDir)
	stores := testStores(t, doorman.root)
	client := NewDoormanClient(srv.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := BuildKeystore(ctx, cfg, stores, client)
	require.ErrorIs(t, err, ErrInterrupted)

	submittedOnce := doorman.submitCount
	require.Equal(t, 1, submittedOnce)

	_, exists, rerr := readRequestID(certsDir)
	require.NoError(t, rerr)
	require.True(t, exists)

	doorman.mu.Lock()
	doorman.pending = 0
	doorman.mu.Unlock()

	require.NoError(t, BuildKeystore(context.Background(), cfg, stores, client))
	require.Equal(t, submittedOnce, doorman.submitCount, "resumed enrolment must not resubmit a csr")
}

func TestBuildKeystoreTimeout(t *testing.T) {
	doorman := newFakeDoorman(t)
	doorman.pending = 1000
	srv := doorman.server()
	defer srv.Close()

	cfg := testConfig(t, filepath.Join(t.TempDir(), "certs"))
	cfg.MaxEnrolmentDuration = 10 * time.Millisecond
	stores := testStores(t, doorman.root)
	client := NewDoormanClient(srv.URL, nil)

	err := BuildKeystore(context.Background(), cfg, stores, client)
	require.ErrorIs(t, err, ErrEnrolmentTimeout)
}

// TestBuildKeystoreWrongRoot covers the "doorman signs with a root not in
// the truststore" scenario: the returned chain must be rejected with
// ErrChainUntrusted, neither CLIENT_CA nor CLIENT_TLS installed, and the
// outstanding request-id file deleted.
func TestBuildKeystoreWrongRoot(t *testing.T) {
	doorman := newFakeDoorman(t)
	srv := doorman.server()
	defer srv.Close()

	untrustedRootKP, err := certkit.GenerateKeyPair(certkit.SchemeECDSAP256)
	require.NoError(t, err)
	untrustedRootName, err := legalname.New("Other Zone", "Paris", "FR")
	require.NoError(t, err)
	untrustedRootName.CommonName = "Other Root"
	untrustedRoot, err := certkit.CreateSelfSignedCA(untrustedRootName, untrustedRootKP)
	require.NoError(t, err)

	cfg := testConfig(t, filepath.Join(t.TempDir(), "certs"))
	stores := testStores(t, untrustedRoot)
	client := NewDoormanClient(srv.URL, nil)

	err = BuildKeystore(context.Background(), cfg, stores, client)
	require.ErrorIs(t, err, ErrChainUntrusted)

	require.False(t, stores.NodeStore.Contains(AliasClientCA))
	require.False(t, stores.SSLStore.Contains(AliasClientTLS))

	_, exists, rerr := readRequestID(cfg.CertificatesDirectory)
	require.NoError(t, rerr)
	require.False(t, exists)
}

// TestBuildKeystoreTrustStoreMissing covers starting enrolment against an
// empty truststore: BuildKeystore must abort before submitting anything.
func TestBuildKeystoreTrustStoreMissing(t *testing.T) {
	doorman := newFakeDoorman(t)
	srv := doorman.server()
	defer srv.Close()

	cfg := testConfig(t, filepath.Join(t.TempDir(), "certs"))
	stores := Stores{
		NodeStore:  credstore.NewMemoryStore(),
		SSLStore:   credstore.NewMemoryStore(),
		TrustStore: credstore.NewMemoryStore(),
	}
	client := NewDoormanClient(srv.URL, nil)

	err := BuildKeystore(context.Background(), cfg, stores, client)
	require.ErrorIs(t, err, ErrTrustStoreMissing)
	require.Equal(t, 0, doorman.submitCount)
}
