package certkit

import (
	"testing"
	"time"

	"github.com/ledgernet/peernode/pkg/legalname"
	"github.com/stretchr/testify/require"
)

func mustPrincipal(t *testing.T, cn string) legalname.Name {
	t.Helper()
	n, err := legalname.New("Example Corp", "London", "GB")
	require.NoError(t, err)
	n.CommonName = cn
	return n
}

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	require.NotNil(t, kp.PrivateKey)
	require.Equal(t, &kp.PrivateKey.PublicKey, kp.PublicKey)

	kp384, err := GenerateKeyPair(SchemeECDSAP384)
	require.NoError(t, err)
	require.Equal(t, "P-384", kp384.PrivateKey.Curve.Params().Name)
}

func TestCreateSelfSignedCA(t *testing.T) {
	kp, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)

	root, err := CreateSelfSignedCA(mustPrincipal(t, "Root"), kp)
	require.NoError(t, err)
	require.True(t, root.IsCA)
	require.NoError(t, root.CheckSignatureFrom(root))
}

func TestCreateCertificateClampsToIssuerValidity(t *testing.T) {
	rootKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	root, err := CreateCertificate(RoleRootCA, nil, rootKP.PrivateKey, mustPrincipal(t, "Root"), rootKP.PublicKey, time.Hour)
	require.NoError(t, err)

	leafKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)

	// Requesting a lifetime far beyond the issuer's remaining validity
	// should clamp to the issuer's NotAfter, not extend past it.
	leaf, err := CreateCertificate(RoleTLS, root, rootKP.PrivateKey, mustPrincipal(t, "Leaf"), leafKP.PublicKey, 365*24*time.Hour)
	require.NoError(t, err)
	require.False(t, leaf.NotAfter.After(root.NotAfter))
	require.NoError(t, leaf.CheckSignatureFrom(root))
}

func TestCreateCertificateNoValidityOverlap(t *testing.T) {
	rootKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)

	// A root whose validity window has already closed leaves no overlap
	// for any child certificate's requested lifetime.
	expiredRoot, err := CreateCertificate(RoleRootCA, nil, rootKP.PrivateKey, mustPrincipal(t, "Root"), rootKP.PublicKey, time.Hour)
	require.NoError(t, err)
	expiredRoot.NotAfter = time.Now().Add(-time.Hour)
	expiredRoot.NotBefore = time.Now().Add(-2 * time.Hour)

	leafKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)

	_, err = CreateCertificate(RoleTLS, expiredRoot, rootKP.PrivateKey, mustPrincipal(t, "Leaf"), leafKP.PublicKey, time.Hour)
	require.ErrorIs(t, err, ErrNoValidityOverlap)
}

func TestCreateCertificateDerivesPathLenFromIssuer(t *testing.T) {
	rootKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	root, err := CreateSelfSignedCA(mustPrincipal(t, "Root"), rootKP)
	require.NoError(t, err)
	require.Equal(t, 1, root.MaxPathLen)

	nodeKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	nodeCA, err := CreateCertificate(RoleNodeCA, root, rootKP.PrivateKey, mustPrincipal(t, "Node"), nodeKP.PublicKey, NodeCAValidity)
	require.NoError(t, err)
	require.Equal(t, 0, nodeCA.MaxPathLen)
	require.True(t, nodeCA.MaxPathLenZero)
}

func TestCSRRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	principal := mustPrincipal(t, "Alice")

	der, err := CreateCSR(principal, "alice@example.com", kp)
	require.NoError(t, err)

	parsed, err := ParseCSR(der)
	require.NoError(t, err)
	require.True(t, principal.Equal(parsed.Subject))
	require.Equal(t, "alice@example.com", parsed.Email)
	require.Equal(t, kp.PublicKey, parsed.PublicKey)
}

func TestCSRRoundTripNoEmail(t *testing.T) {
	kp, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	principal := mustPrincipal(t, "Bob")

	der, err := CreateCSR(principal, "", kp)
	require.NoError(t, err)

	parsed, err := ParseCSR(der)
	require.NoError(t, err)
	require.Empty(t, parsed.Email)
}

func TestValidateChainEmptyChain(t *testing.T) {
	rootKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	root, err := CreateSelfSignedCA(mustPrincipal(t, "Root"), rootKP)
	require.NoError(t, err)

	err = ValidateChain(root, nil)
	require.ErrorIs(t, err, ErrChainDoesNotTerminateAtRoot)
}

func TestValidateChainWrongRoot(t *testing.T) {
	rootKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	root, err := CreateSelfSignedCA(mustPrincipal(t, "Root"), rootKP)
	require.NoError(t, err)

	otherKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	otherRoot, err := CreateSelfSignedCA(mustPrincipal(t, "Other Root"), otherKP)
	require.NoError(t, err)

	err = ValidateChain(otherRoot, CertChain{root})
	require.ErrorIs(t, err, ErrChainDoesNotTerminateAtRoot)
}

func TestValidateChainExpired(t *testing.T) {
	rootKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	root, err := CreateSelfSignedCA(mustPrincipal(t, "Root"), rootKP)
	require.NoError(t, err)

	leafKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	leaf, err := CreateCertificate(RoleTLS, root, rootKP.PrivateKey, mustPrincipal(t, "Leaf"), leafKP.PublicKey, time.Hour)
	require.NoError(t, err)

	leaf.NotAfter = time.Now().Add(-time.Minute)

	err = ValidateChain(root, CertChain{leaf, root})
	require.ErrorIs(t, err, ErrExpired)
}

func TestValidateChainNotYetValid(t *testing.T) {
	rootKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	root, err := CreateSelfSignedCA(mustPrincipal(t, "Root"), rootKP)
	require.NoError(t, err)

	leafKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	leaf, err := CreateCertificate(RoleTLS, root, rootKP.PrivateKey, mustPrincipal(t, "Leaf"), leafKP.PublicKey, time.Hour)
	require.NoError(t, err)

	leaf.NotBefore = time.Now().Add(time.Hour)

	err = ValidateChain(root, CertChain{leaf, root})
	require.ErrorIs(t, err, ErrNotYetValid)
}

func TestValidateChainHappyPath(t *testing.T) {
	rootKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	root, err := CreateSelfSignedCA(mustPrincipal(t, "Root"), rootKP)
	require.NoError(t, err)

	nodeKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	nodeCA, err := CreateCertificate(RoleNodeCA, root, rootKP.PrivateKey, mustPrincipal(t, "Node"), nodeKP.PublicKey, NodeCAValidity)
	require.NoError(t, err)

	leafKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	leaf, err := CreateCertificate(RoleTLS, nodeCA, nodeKP.PrivateKey, mustPrincipal(t, "Leaf"), leafKP.PublicKey, TLSLeafValidity)
	require.NoError(t, err)

	err = ValidateChain(root, CertChain{leaf, nodeCA, root})
	require.NoError(t, err)
	require.Equal(t, leaf, CertChain{leaf, nodeCA, root}.Leaf())
}

func TestValidateChainRoleMismatch(t *testing.T) {
	rootKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	root, err := CreateSelfSignedCA(mustPrincipal(t, "Root"), rootKP)
	require.NoError(t, err)

	leafKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	// A doorman that signs a leaf with CA bits set must be rejected by
	// ValidateChain itself, not just by a standalone role check.
	leaf, err := CreateCertificate(RoleNodeCA, root, rootKP.PrivateKey, mustPrincipal(t, "Leaf"), leafKP.PublicKey, TLSLeafValidity)
	require.NoError(t, err)

	err = ValidateChain(root, CertChain{leaf, root})
	require.ErrorIs(t, err, ErrRoleMismatch)
}

func TestValidateRoleMismatch(t *testing.T) {
	rootKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	root, err := CreateSelfSignedCA(mustPrincipal(t, "Root"), rootKP)
	require.NoError(t, err)

	err = ValidateRole(root, RoleTLS)
	require.ErrorIs(t, err, ErrRoleMismatch)

	err = ValidateRole(root, RoleRootCA)
	require.NoError(t, err)
}

func TestPEMRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	root, err := CreateSelfSignedCA(mustPrincipal(t, "Root"), kp)
	require.NoError(t, err)

	decoded, err := DecodeCertPEM(EncodeCertPEM(root))
	require.NoError(t, err)
	require.Equal(t, root.Raw, decoded.Raw)

	keyPEM, err := EncodeKeyPEM(kp.PrivateKey)
	require.NoError(t, err)
	decodedKey, err := DecodeKeyPEM(keyPEM)
	require.NoError(t, err)
	require.Equal(t, kp.PrivateKey.D, decodedKey.D)
}

func TestChainPEMRoundTrip(t *testing.T) {
	rootKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	root, err := CreateSelfSignedCA(mustPrincipal(t, "Root"), rootKP)
	require.NoError(t, err)

	nodeKP, err := GenerateKeyPair(SchemeECDSAP256)
	require.NoError(t, err)
	nodeCA, err := CreateCertificate(RoleNodeCA, root, rootKP.PrivateKey, mustPrincipal(t, "Node"), nodeKP.PublicKey, NodeCAValidity)
	require.NoError(t, err)

	chain := CertChain{nodeCA, root}
	decoded, err := DecodeChainPEM(EncodeChainPEM(chain))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, chain[0].Raw, decoded[0].Raw)
	require.Equal(t, chain[1].Raw, decoded[1].Raw)
}
