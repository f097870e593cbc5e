package crypto

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"vtap/log"
)

// LoadPeerTLS returns a client tls.Config that accepts only a server
// certificate with the expected SHA-256 fingerprint. CA validation is
// skipped; the pin replaces it.
func LoadPeerTLS(local *tls.Config, expectedFingerprint string) *tls.Config {
	conf := &tls.Config{
		InsecureSkipVerify:    true, // verified by VerifyPeerCertificate
		VerifyPeerCertificate: VerifyPinned(expectedFingerprint),
		NextProtos:            []string{ALPN},
		MinVersion:            tls.VersionTLS13,
	}
	if local != nil {
		conf.Certificates = local.Certificates
	}
	return conf
}

// VerifyPinned checks the leaf certificate against a fingerprint.
func VerifyPinned(expectedFingerprint string) func([][]byte, [][]*x509.Certificate) error {
	logger := log.New("crypto/peer")

	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no peer certificate presented")
		}

		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parse peer certificate: %w", err)
		}

		actual := Fingerprint(cert.Raw)
		if actual != expectedFingerprint {
			logger.Warnf("Fingerprint mismatch: got %s, expected %s", actual, expectedFingerprint)
			return errors.New("certificate fingerprint mismatch")
		}

		logger.Debugf("Verified peer fingerprint: %s", actual)
		return nil
	}
}

// PinnedServerTLS derives a listener config that requires a client
// certificate with the expected fingerprint.
func PinnedServerTLS(local *tls.Config, expectedFingerprint string) *tls.Config {
	conf := local.Clone()
	conf.ClientAuth = tls.RequireAnyClientCert
	conf.VerifyPeerCertificate = VerifyPinned(expectedFingerprint)
	return conf
}
