package crypto

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"vtap/log"
)

// TOFUStore remembers the first certificate fingerprint seen for each
// peer name and rejects any later change.
type TOFUStore struct {
	path   string
	mu     sync.Mutex
	pins   map[string]string // peer name -> fingerprint
	logger *log.Logger
}

// LoadTOFU opens the store at path. A missing file is an empty store.
func LoadTOFU(path string) (*TOFUStore, error) {
	s := &TOFUStore{
		path:   path,
		pins:   make(map[string]string),
		logger: log.New("crypto/tofu"),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read TOFU store: %w", err)
	}
	if err := json.Unmarshal(data, &s.pins); err != nil {
		return nil, fmt.Errorf("parse TOFU store %s: %w", path, err)
	}
	return s, nil
}

func (s *TOFUStore) save() error {
	data, err := json.MarshalIndent(s.pins, "", "  ")
	if err != nil {
		return fmt.Errorf("encode TOFU store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create TOFU directory: %w", err)
	}
	return os.WriteFile(s.path, data, 0600)
}

// Pinned returns the fingerprint recorded for a peer.
func (s *TOFUStore) Pinned(peerName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.pins[peerName]
	return fp, ok
}

// Verify trusts the first fingerprint a peer presents and pins it.
func (s *TOFUStore) Verify(peerName string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("no peer certificate presented")
		}

		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("failed to parse peer certificate: %w", err)
		}
		peerFP := Fingerprint(cert.Raw)

		s.mu.Lock()
		defer s.mu.Unlock()

		pinned, ok := s.pins[peerName]
		if !ok {
			s.logger.Infof("TOFU: trusting first fingerprint for %s (%s)", peerName, peerFP)
			s.pins[peerName] = peerFP
			if err := s.save(); err != nil {
				s.logger.Errorf("Failed to save TOFU store: %v", err)
			}
			return nil
		}

		if pinned != peerFP {
			return fmt.Errorf("TOFU: fingerprint mismatch for %s: got %s, expected %s", peerName, peerFP, pinned)
		}
		return nil
	}
}

// ServerTLS derives a listener config that requires a client certificate
// and checks it against the store under peerName.
func (s *TOFUStore) ServerTLS(local *tls.Config, peerName string) *tls.Config {
	conf := local.Clone()
	conf.ClientAuth = tls.RequireAnyClientCert
	conf.VerifyPeerCertificate = s.Verify(peerName)
	return conf
}
