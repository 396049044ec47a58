package credstore

import (
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/ledgernet/peernode/pkg/certkit"
	"github.com/ledgernet/peernode/pkg/legalname"
	"github.com/stretchr/testify/require"
)

func newRootAndLeaf(t *testing.T) (*certkit.KeyPair, *x509.Certificate, *certkit.KeyPair, *x509.Certificate) {
	t.Helper()

	rootName, err := legalname.New("Example Corp", "London", "GB")
	require.NoError(t, err)
	rootName.CommonName = "Root"
	rootKP, err := certkit.GenerateKeyPair(certkit.SchemeECDSAP256)
	require.NoError(t, err)
	root, err := certkit.CreateSelfSignedCA(rootName, rootKP)
	require.NoError(t, err)

	leafName, err := legalname.New("Example Corp", "London", "GB")
	require.NoError(t, err)
	leafName.CommonName = "Leaf"
	leafKP, err := certkit.GenerateKeyPair(certkit.SchemeECDSAP256)
	require.NoError(t, err)
	leaf, err := certkit.CreateCertificate(certkit.RoleTLS, root, rootKP.PrivateKey, leafName, leafKP.PublicKey, certkit.TLSLeafValidity)
	require.NoError(t, err)

	return &rootKP, root, &leafKP, leaf
}

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	rootKP, root, leafKP, leaf := newRootAndLeaf(t)

	path := filepath.Join(t.TempDir(), "nodekeystore.bin")
	store := NewFileStore(path)
	require.NoError(t, store.LoadOrCreate([]byte("store-pass")))

	require.NoError(t, store.Put("cordaclientca", []byte("key-pass"), rootKP.PrivateKey, []*x509.Certificate{root}))
	require.NoError(t, store.PutTrustedCert("cordarootca", root))
	require.NoError(t, store.Save([]byte("store-pass")))

	reopened := NewFileStore(path)
	require.NoError(t, reopened.Load([]byte("store-pass")))

	require.True(t, reopened.Contains("cordaclientca"))
	require.True(t, reopened.Contains("cordarootca"))

	key, chain, err := reopened.Get("cordaclientca", []byte("key-pass"))
	require.NoError(t, err)
	require.Equal(t, rootKP.PrivateKey.D, key.D)
	require.Len(t, chain, 1)
	require.Equal(t, root.Raw, chain[0].Raw)

	cert, err := reopened.GetCert("cordarootca")
	require.NoError(t, err)
	require.Equal(t, root.Raw, cert.Raw)

	_ = leaf
	_ = leafKP
}

func TestFileStoreLoadWrongStorePassword(t *testing.T) {
	rootKP, root, _, _ := newRootAndLeaf(t)

	path := filepath.Join(t.TempDir(), "nodekeystore.bin")
	store := NewFileStore(path)
	require.NoError(t, store.LoadOrCreate([]byte("correct-pass")))
	require.NoError(t, store.Put("cordaclientca", []byte("key-pass"), rootKP.PrivateKey, []*x509.Certificate{root}))
	require.NoError(t, store.Save([]byte("correct-pass")))

	reopened := NewFileStore(path)
	err := reopened.Load([]byte("wrong-pass"))
	require.ErrorIs(t, err, ErrBadPassword)
}

func TestFileStoreGetWrongEntryPassword(t *testing.T) {
	rootKP, root, _, _ := newRootAndLeaf(t)

	path := filepath.Join(t.TempDir(), "nodekeystore.bin")
	store := NewFileStore(path)
	require.NoError(t, store.LoadOrCreate([]byte("store-pass")))
	require.NoError(t, store.Put("cordaclientca", []byte("right-key-pass"), rootKP.PrivateKey, []*x509.Certificate{root}))

	_, _, err := store.Get("cordaclientca", []byte("wrong-key-pass"))
	require.ErrorIs(t, err, ErrBadPassword)
}

func TestFileStoreAliasMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodekeystore.bin")
	store := NewFileStore(path)
	require.NoError(t, store.LoadOrCreate([]byte("store-pass")))

	_, _, err := store.Get("no-such-alias", []byte("pw"))
	require.ErrorIs(t, err, ErrAliasMissing)

	_, err = store.GetCert("no-such-alias")
	require.ErrorIs(t, err, ErrAliasMissing)

	err = store.Delete("no-such-alias")
	require.ErrorIs(t, err, ErrAliasMissing)
}

func TestFileStoreAliasKindMismatch(t *testing.T) {
	_, root, _, _ := newRootAndLeaf(t)

	path := filepath.Join(t.TempDir(), "nodekeystore.bin")
	store := NewFileStore(path)
	require.NoError(t, store.LoadOrCreate([]byte("store-pass")))
	require.NoError(t, store.PutTrustedCert("cordarootca", root))

	_, _, err := store.Get("cordarootca", []byte("pw"))
	require.ErrorIs(t, err, ErrAliasKindMismatch)
}

func TestFileStoreDeleteThenSaveLoad(t *testing.T) {
	rootKP, root, _, _ := newRootAndLeaf(t)

	path := filepath.Join(t.TempDir(), "nodekeystore.bin")
	store := NewFileStore(path)
	require.NoError(t, store.LoadOrCreate([]byte("store-pass")))
	require.NoError(t, store.Put("self-signed", []byte("key-pass"), rootKP.PrivateKey, []*x509.Certificate{root}))
	require.NoError(t, store.Save([]byte("store-pass")))
	require.NoError(t, store.Delete("self-signed"))
	require.NoError(t, store.Save([]byte("store-pass")))

	reopened := NewFileStore(path)
	require.NoError(t, reopened.Load([]byte("store-pass")))
	require.False(t, reopened.Contains("self-signed"))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	rootKP, root, _, _ := newRootAndLeaf(t)

	store := NewMemoryStore()
	require.NoError(t, store.Put("cordaclientca", []byte("key-pass"), rootKP.PrivateKey, []*x509.Certificate{root}))

	key, chain, err := store.Get("cordaclientca", []byte("key-pass"))
	require.NoError(t, err)
	require.Equal(t, rootKP.PrivateKey.D, key.D)
	require.Len(t, chain, 1)
}
