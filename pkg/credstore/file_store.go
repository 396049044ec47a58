package credstore

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var containerMagic = [4]byte{'P', 'C', 'S', '1'}

const containerVersion uint16 = 1

// FileStore is a file-backed Store. It is safe for concurrent use.
type FileStore struct {
	mu   sync.RWMutex
	path string

	loaded  bool
	records map[string]*record
}

// NewFileStore creates a FileStore backed by the container file at path.
// Call Load or LoadOrCreate before using it.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, records: make(map[string]*record)}
}

func (s *FileStore) Load(storePassword []byte) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	r := bytes.NewReader(data)
	var magic [4]byte
	if _, err := r.Read(magic[:]); err != nil || magic != containerMagic {
		return fmt.Errorf("%w: bad magic", ErrStoreCorrupt)
	}
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil || version != containerVersion {
		return fmt.Errorf("%w: unsupported version", ErrStoreCorrupt)
	}

	salt, err := readBytes(r)
	if err != nil {
		return err
	}
	nonce, err := readBytes(r)
	if err != nil {
		return err
	}
	ciphertext, err := readBytes(r)
	if err != nil {
		return err
	}

	plaintext, err := open(storePassword, salt, nonce, ciphertext, "container")
	if err != nil {
		return err
	}

	records, err := decodeRecords(plaintext)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
	s.loaded = true
	return nil
}

func (s *FileStore) LoadOrCreate(storePassword []byte) error {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		s.mu.Lock()
		s.records = make(map[string]*record)
		s.loaded = true
		s.mu.Unlock()
		return s.Save(storePassword)
	}
	return s.Load(storePassword)
}

func (s *FileStore) Save(storePassword []byte) error {
	s.mu.RLock()
	plaintext := encodeRecords(s.records)
	s.mu.RUnlock()

	salt, nonce, ciphertext, err := seal(storePassword, plaintext, "container")
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(containerMagic[:])
	_ = binary.Write(&buf, binary.BigEndian, containerVersion)
	writeBytes(&buf, salt)
	writeBytes(&buf, nonce)
	writeBytes(&buf, ciphertext)

	return atomicWriteFile(s.path, buf.Bytes())
}

// atomicWriteFile writes data to a temp file in the same directory,
// fsyncs it, then renames it over path so a crash mid-write never leaves
// a half-written container.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *FileStore) Contains(alias string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[alias]
	return ok
}

func (s *FileStore) Put(alias string, entryPassword []byte, key *ecdsa.PrivateKey, chain []*x509.Certificate) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	salt, nonce, ciphertext, err := seal(entryPassword, der, "private-key")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[alias] = &record{
		alias:         alias,
		kind:          KindPrivateKeyChain,
		keySalt:       salt,
		keyNonce:      nonce,
		keyCiphertext: ciphertext,
		chain:         chain,
	}
	return nil
}

func (s *FileStore) PutTrustedCert(alias string, cert *x509.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[alias] = &record{alias: alias, kind: KindTrustedCert, cert: cert}
	return nil
}

func (s *FileStore) Delete(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[alias]; !ok {
		return ErrAliasMissing
	}
	delete(s.records, alias)
	return nil
}

func (s *FileStore) Get(alias string, entryPassword []byte) (*ecdsa.PrivateKey, []*x509.Certificate, error) {
	s.mu.RLock()
	rec, ok := s.records[alias]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrAliasMissing
	}
	if rec.kind != KindPrivateKeyChain {
		return nil, nil, ErrAliasKindMismatch
	}

	der, err := open(entryPassword, rec.keySalt, rec.keyNonce, rec.keyCiphertext, "private-key")
	if err != nil {
		return nil, nil, err
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	return key, rec.chain, nil
}

func (s *FileStore) GetCert(alias string) (*x509.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[alias]
	if !ok {
		return nil, ErrAliasMissing
	}
	if rec.kind == KindTrustedCert {
		return rec.cert, nil
	}
	if len(rec.chain) == 0 {
		return nil, ErrAliasMissing
	}
	return rec.chain[0], nil
}

func (s *FileStore) Aliases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	aliases := make([]string, 0, len(s.records))
	for alias := range s.records {
		aliases = append(aliases, alias)
	}
	return aliases
}

var _ Store = (*FileStore)(nil)
