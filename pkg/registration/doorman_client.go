package registration

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ledgernet/peernode/pkg/certkit"
)

// Zip entry names the doorman uses, leaf-to-root.
const (
	zipEntryClientCA       = "cordaclientca.cer"
	zipEntryIntermediateCA = "cordaintermediateca.cer"
	zipEntryRootCA         = "cordarootca.cer"
)

// DoormanClient is an HTTP client for the registration authority's
// certificate-signing API.
type DoormanClient struct {
	baseURL string
	http    *http.Client
}

// NewDoormanClient creates a client against baseURL using httpClient.
// A nil httpClient uses http.DefaultClient.
func NewDoormanClient(baseURL string, httpClient *http.Client) *DoormanClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &DoormanClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Submit posts a DER-encoded CSR and returns the doorman's request ID.
func (c *DoormanClient) Submit(ctx context.Context, csrDER []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/certificate", bytes.NewReader(csrDER))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit csr: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submit csr: doorman returned %s: %s", resp.Status, string(body))
	}
	return strings.TrimSpace(string(body)), nil
}

// RetrieveCertificates polls for the outcome of a submitted request. It
// returns (nil, nil) when the request is still pending, a
// *CertificateRequestRejected when the doorman rejected it, or the
// leaf-to-root chain on success.
func (c *DoormanClient) RetrieveCertificates(ctx context.Context, requestID string) (certkit.CertChain, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/certificate/"+requestID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieve certificates: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read retrieve response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || len(body) == 0:
		return nil, nil
	case resp.StatusCode == http.StatusOK:
		return parseCertificateZip(body)
	default:
		return nil, &CertificateRequestRejected{Reason: strings.TrimSpace(string(body))}
	}
}

func parseCertificateZip(data []byte) (certkit.CertChain, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainMismatch, err)
	}

	entries := map[string]*x509.Certificate{}
	for _, name := range []string{zipEntryClientCA, zipEntryIntermediateCA, zipEntryRootCA} {
		f, err := zr.Open(name)
		if err != nil {
			if name == zipEntryIntermediateCA {
				continue // the intermediate is optional
			}
			return nil, fmt.Errorf("%w: missing %s", ErrChainMismatch, name)
		}
		der, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", ErrChainMismatch, name, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrChainMismatch, name, err)
		}
		entries[name] = cert
	}

	chain := certkit.CertChain{entries[zipEntryClientCA]}
	if intermediate, ok := entries[zipEntryIntermediateCA]; ok {
		chain = append(chain, intermediate)
	}
	chain = append(chain, entries[zipEntryRootCA])
	return chain, nil
}
