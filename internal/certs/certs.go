// Package certs handles self-signed TLS material for HTTP/3 inputs: it
// generates short-lived certificates for local origins and builds client
// configurations that trust a server by its certificate's SHA-256
// fingerprint instead of a CA chain.
package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

const maxValidity = 14 * 24 * time.Hour

var (
	// ErrFingerprintMismatch is returned during the TLS handshake when the
	// server's leaf certificate matches none of the pinned fingerprints.
	ErrFingerprintMismatch = errors.New("certs: certificate fingerprint mismatch")
	ErrBadFingerprint      = errors.New("certs: malformed fingerprint")
)

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64.
func (c *CertInfo) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// FingerprintHex returns the SHA-256 fingerprint as lowercase hex.
func (c *CertInfo) FingerprintHex() string {
	return hex.EncodeToString(c.Fingerprint[:])
}

// Generate creates a self-signed ECDSA P-256 certificate naming hosts, each
// a DNS name or an IP literal. Without hosts it covers localhost and the
// loopback addresses. Validity is clamped to at most 14 days; zero or
// negative selects the maximum.
func Generate(validity time.Duration, hosts ...string) (*CertInfo, error) {
	if validity > maxValidity || validity <= 0 {
		validity = maxValidity
	}
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "mp4play", Organization: []string{"mp4play self-signed"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		switch ip := net.ParseIP(h); {
		case ip != nil:
			template.IPAddresses = append(template.IPAddresses, ip)
		case h != "":
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &CertInfo{
		TLSCert:     tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
		Fingerprint: sha256.Sum256(der),
		NotAfter:    leaf.NotAfter,
	}, nil
}

// ParseFingerprint decodes a SHA-256 fingerprint given as hex (colons
// allowed) or standard base64.
func ParseFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(strings.ReplaceAll(s, ":", "")); err == nil && len(b) == len(fp) {
		copy(fp[:], b)
		return fp, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == len(fp) {
		copy(fp[:], b)
		return fp, nil
	}
	return fp, fmt.Errorf("%w: %q", ErrBadFingerprint, s)
}

// PinnedClientConfig returns a client TLS configuration that accepts a
// server only if its leaf certificate hashes to one of pins. Chain and
// hostname verification are replaced by the pin check. With no pins it
// returns a default configuration.
func PinnedClientConfig(pins ...[32]byte) *tls.Config {
	if len(pins) == 0 {
		return &tls.Config{MinVersion: tls.VersionTLS13}
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrFingerprintMismatch
			}
			got := sha256.Sum256(rawCerts[0])
			for _, pin := range pins {
				if bytes.Equal(got[:], pin[:]) {
					return nil
				}
			}
			return fmt.Errorf("%w: %x", ErrFingerprintMismatch, got)
		},
	}
}
