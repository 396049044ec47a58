package identitytls

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ledgernet/peernode/pkg/certkit"
	"github.com/ledgernet/peernode/pkg/legalname"
)

func mustName(t *testing.T, cn, org string) legalname.Name {
	t.Helper()
	n, err := legalname.New(org, "London", "GB")
	require.NoError(t, err)
	n.CommonName = cn
	return n
}

// issuePeer builds a root + leaf chain under the given legal name,
// returning the leaf's Credentials ready for ServerConfig/ClientConfig.
func issuePeer(t *testing.T, cn, org string) (Credentials, *certkit.KeyPair) {
	t.Helper()

	rootKP, err := certkit.GenerateKeyPair(certkit.SchemeECDSAP256)
	require.NoError(t, err)
	root, err := certkit.CreateSelfSignedCA(mustName(t, "Root CA", org), rootKP)
	require.NoError(t, err)

	leafKP, err := certkit.GenerateKeyPair(certkit.SchemeECDSAP256)
	require.NoError(t, err)
	leaf, err := certkit.CreateCertificate(certkit.RoleTLS, root, rootKP.PrivateKey, mustName(t, cn, org), leafKP.PublicKey, 0)
	require.NoError(t, err)

	cert := NewCertificate(leafKP.PrivateKey, certkit.CertChain{leaf, root})
	return Credentials{Certificate: cert, TrustedRoot: root}, &leafKP
}

func TestMutualHandshakeSucceedsWithTrustedPeers(t *testing.T) {
	// Both sides must trust a common root, so issue both leaves under
	// the same freshly generated root rather than using issuePeer twice.
	rootKP, err := certkit.GenerateKeyPair(certkit.SchemeECDSAP256)
	require.NoError(t, err)
	root, err := certkit.CreateSelfSignedCA(mustName(t, "Shared Root", "Acme"), rootKP)
	require.NoError(t, err)

	serverKP, err := certkit.GenerateKeyPair(certkit.SchemeECDSAP256)
	require.NoError(t, err)
	serverLeaf, err := certkit.CreateCertificate(certkit.RoleTLS, root, rootKP.PrivateKey, mustName(t, "server.peer", "Acme"), serverKP.PublicKey, 0)
	require.NoError(t, err)
	serverCreds := Credentials{
		Certificate: NewCertificate(serverKP.PrivateKey, certkit.CertChain{serverLeaf, root}),
		TrustedRoot: root,
	}

	clientKP, err := certkit.GenerateKeyPair(certkit.SchemeECDSAP256)
	require.NoError(t, err)
	clientLeaf, err := certkit.CreateCertificate(certkit.RoleTLS, root, rootKP.PrivateKey, mustName(t, "client.peer", "Acme"), clientKP.PublicKey, 0)
	require.NoError(t, err)
	clientCreds := Credentials{
		Certificate: NewCertificate(clientKP.PrivateKey, certkit.CertChain{clientLeaf, root}),
		TrustedRoot: root,
	}

	allowed := legalname.NewAllowList(mustName(t, "server.peer", "Acme"))

	serverConfig := ServerConfig(serverCreds, nil)
	listener, err := tls.Listen("tcp", "127.0.0.1:0", serverConfig)
	require.NoError(t, err)
	defer listener.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		tlsConn := conn.(*tls.Conn)
		serverDone <- tlsConn.Handshake()
	}()

	clientConfig := ClientConfig(clientCreds, allowed)
	conn, err := tls.Dial("tcp", listener.Addr().String(), clientConfig)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, <-serverDone)

	leaf, name, err := PeerIdentity(conn)
	require.NoError(t, err)
	require.Equal(t, "server.peer", leaf.Subject.CommonName)
	require.Equal(t, "server.peer", name.CommonName)
}

func TestHandshakeRejectsUntrustedRoot(t *testing.T) {
	serverCreds, _ := issuePeer(t, "server.peer", "Acme")
	clientCreds, _ := issuePeer(t, "client.peer", "Other") // different root entirely

	serverConfig := ServerConfig(serverCreds, nil)
	listener, err := tls.Listen("tcp", "127.0.0.1:0", serverConfig)
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.(*tls.Conn).Handshake()
	}()

	clientConfig := ClientConfig(clientCreds, nil)
	conn, err := tls.Dial("tcp", listener.Addr().String(), clientConfig)
	if err == nil {
		conn.Close()
	}
	require.Error(t, err)
}

func TestVerifyPeerRejectsNameNotInAllowList(t *testing.T) {
	creds, _ := issuePeer(t, "rogue.peer", "Acme")
	rawLeaf := creds.Certificate.Certificate[0]

	allowed := legalname.NewAllowList(mustName(t, "alice.peer", "Acme"))

	_, _, err := VerifyPeer([][]byte{rawLeaf}, creds.TrustedRoot, allowed)
	require.ErrorIs(t, err, ErrUnexpectedIdentity)
}

func TestVerifyPeerAcceptsNilAllowList(t *testing.T) {
	creds, _ := issuePeer(t, "anyone.peer", "Acme")
	rawLeaf := creds.Certificate.Certificate[0]

	leaf, name, err := VerifyPeer([][]byte{rawLeaf}, creds.TrustedRoot, nil)
	require.NoError(t, err)
	require.Equal(t, "anyone.peer", leaf.Subject.CommonName)
	require.Equal(t, "anyone.peer", name.CommonName)
}

func TestVerifyPeerNoRawCerts(t *testing.T) {
	_, _, err := VerifyPeer(nil, nil, nil)
	require.ErrorIs(t, err, ErrNoPeerCertificate)
}
