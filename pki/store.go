package pki

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// IssuedCert is the record the authority keeps for every certificate it
// ever signed.
type IssuedCert struct {
	CommonName string    `json:"cn"`
	NotAfter   time.Time `json:"not_after"`
}

// State is the persistent state of one certificate authority: the serial
// counter, the index of issued certificates and the set of revoked
// serials. Serials are stored as decimal strings.
type State struct {
	NextSerial int64                 `json:"next_serial"`
	CRLNumber  int64                 `json:"crl_number"`
	Issued     map[string]IssuedCert `json:"issued"`
	Revoked    map[string]time.Time  `json:"revoked"`
}

func newState() *State {
	return &State{
		NextSerial: 1,
		Issued:     make(map[string]IssuedCert),
		Revoked:    make(map[string]time.Time),
	}
}

// Store persists authority state and the generated CRL.
type Store interface {
	LoadState() (*State, error)
	SaveState(*State) error
	SaveCRL(crlPEM []byte) error
}

// FileStore keeps the authority state as a JSON file next to the CA key
// material, and the CRL as a PEM file the broker can pick up.
type FileStore struct {
	Dir string
}

// StateFile is the name of the state file inside the store directory.
const StateFile = "ca-state.json"

// CRLFile is the name of the CRL file inside the store directory.
const CRLFile = "ca-crl.pem"

// LoadState reads the state file. A missing file yields a fresh state.
func (s FileStore) LoadState() (*State, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir, StateFile))
	if os.IsNotExist(err) {
		return newState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read CA state: %w", err)
	}
	state := newState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("corrupt CA state: %w", err)
	}
	return state, nil
}

// SaveState writes the state file with restrictive permissions via a
// temporary file and an atomic rename.
func (s FileStore) SaveState(state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.Dir, StateFile), data, 0600)
}

// SaveCRL writes the CRL file.
func (s FileStore) SaveCRL(crlPEM []byte) error {
	return writeFileAtomic(filepath.Join(s.Dir, CRLFile), crlPEM, 0644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// MemStore is an in-memory store for tests and dev mode.
type MemStore struct {
	mu    sync.Mutex
	state *State
	crl   []byte
}

// LoadState returns a copy of the stored state, or a fresh state.
func (s *MemStore) LoadState() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return newState(), nil
	}
	// copy so the authority can mutate freely before saving
	clone := *s.state
	clone.Issued = make(map[string]IssuedCert, len(s.state.Issued))
	for k, v := range s.state.Issued {
		clone.Issued[k] = v
	}
	clone.Revoked = make(map[string]time.Time, len(s.state.Revoked))
	for k, v := range s.state.Revoked {
		clone.Revoked[k] = v
	}
	return &clone, nil
}

// SaveState stores the state.
func (s *MemStore) SaveState(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

// SaveCRL stores the CRL.
func (s *MemStore) SaveCRL(crlPEM []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crl = crlPEM
	return nil
}

// CRL returns the last saved CRL.
func (s *MemStore) CRL() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crl
}
