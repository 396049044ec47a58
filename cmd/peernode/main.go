// Command peernode is a demo peer node: it loads an enrolled node's
// credentials, optionally binds a peer channel server, optionally
// dials an outbound client against a list of candidate addresses, and
// offers an interactive console for sending messages and inspecting
// connection state.
//
// Usage:
//
//	peernode -certs-dir /var/lib/peernode -keystore-password secret \
//	         -listen 0.0.0.0:7672 -peer alice.example.com:7672
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledgernet/peernode/pkg/certkit"
	"github.com/ledgernet/peernode/pkg/credstore"
	"github.com/ledgernet/peernode/pkg/identitytls"
	"github.com/ledgernet/peernode/pkg/legalname"
	"github.com/ledgernet/peernode/pkg/peerchannel"
	"github.com/ledgernet/peernode/pkg/peerconfig"
	"github.com/ledgernet/peernode/pkg/registration"
)

func main() {
	var (
		certsDir     = flag.String("certs-dir", "", "directory holding the node's keystores")
		keyStorePass = flag.String("keystore-password", "", "password protecting the SSL keystore and truststore")
		listenAddr   = flag.String("listen", "", "address to bind the peer channel server on, empty disables it")
		peerAddrs    = flag.String("peer", "", "comma-separated candidate addresses to dial as a client, empty disables it")
		allowNames   = flag.String("allow", "", "comma-separated common names to accept as peers, empty accepts any chain-valid peer")
	)
	flag.Parse()

	if *certsDir == "" || *keyStorePass == "" {
		fmt.Fprintln(os.Stderr, "peernode: -certs-dir and -keystore-password are required")
		os.Exit(1)
	}

	creds, err := loadCredentials(*certsDir, []byte(*keyStorePass))
	if err != nil {
		fmt.Fprintf(os.Stderr, "peernode: load credentials: %v\n", err)
		os.Exit(1)
	}

	var allowed *legalname.AllowList
	if *allowNames != "" {
		names := make([]legalname.Name, 0)
		for _, cn := range strings.Split(*allowNames, ",") {
			names = append(names, legalname.Name{CommonName: strings.TrimSpace(cn)})
		}
		allowed = legalname.NewAllowList(names...)
	}

	var candidateAddrs []string
	if *peerAddrs != "" {
		candidateAddrs = strings.Split(*peerAddrs, ",")
		for i := range candidateAddrs {
			candidateAddrs[i] = strings.TrimSpace(candidateAddrs[i])
		}
	}

	pc := peerconfig.Config{
		AllowedRemoteLegalNames: allowed,
		CandidateAddresses:      candidateAddrs,
		ListenAddress:           *listenAddr,
	}
	resolved := pc.Resolved()

	console := newConsole()

	if pc.ListenAddress != "" {
		server, err := peerchannel.NewServer(peerchannel.ServerConfig{
			Address:                 pc.ListenAddress,
			Credentials:             creds,
			AllowedRemoteLegalNames: pc.AllowedRemoteLegalNames,
			LinkCredit:              resolved.LinkCredit,
			OnReceive:               console.onReceive,
			OnConnection:            console.onConnection,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "peernode: %v\n", err)
			os.Exit(1)
		}
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "peernode: %v\n", err)
			os.Exit(1)
		}
		defer server.Stop()
		console.server = server
		fmt.Printf("peernode: listening on %s\n", server.Addr())
	}

	if len(pc.CandidateAddresses) > 0 {
		client, err := peerchannel.NewClient(peerchannel.ClientConfig{
			CandidateAddresses:      pc.CandidateAddresses,
			Credentials:             creds,
			AllowedRemoteLegalNames: pc.AllowedRemoteLegalNames,
			LinkCredit:              resolved.LinkCredit,
			OutboundQueueSize:       resolved.OutboundQueueSize,
			OnReceive:               console.onReceive,
			OnConnection:            console.onConnection,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "peernode: %v\n", err)
			os.Exit(1)
		}
		client.Start()
		defer client.Stop()
		console.client = client
	}

	console.run()
}

// loadCredentials opens the SSL keystore and truststore under
// certsDir, returning the leaf TLS identity plus the trusted root used
// for manual peer chain validation.
func loadCredentials(certsDir string, keyStorePassword []byte) (identitytls.Credentials, error) {
	sslStore := credstore.NewFileStore(filepath.Join(certsDir, "sslkeystore.jks"))
	if err := sslStore.Load(keyStorePassword); err != nil {
		return identitytls.Credentials{}, fmt.Errorf("ssl store: %w", err)
	}
	key, chain, err := sslStore.Get(registration.AliasClientTLS, keyStorePassword)
	if err != nil {
		return identitytls.Credentials{}, fmt.Errorf("client tls entry: %w", err)
	}

	trustStore := credstore.NewFileStore(filepath.Join(certsDir, "truststore.jks"))
	if err := trustStore.Load(keyStorePassword); err != nil {
		return identitytls.Credentials{}, fmt.Errorf("trust store: %w", err)
	}
	root, err := trustStore.GetCert(registration.AliasRootCA)
	if err != nil {
		return identitytls.Credentials{}, fmt.Errorf("root ca entry: %w", err)
	}

	return identitytls.Credentials{
		Certificate: identitytls.NewCertificate(key, certkit.CertChain(chain)),
		TrustedRoot: root,
	}, nil
}
