// Package state provides the hub's local persistent store, backed by
// SQLite (pure-Go driver, no CGO, for cross-compilation to appliance
// targets). It holds what must survive restarts even without a remote
// store: the hub identity, per-device credentials (encrypted at rest),
// and the discovery cache.
package state

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"

	"github.com/seawatts/cove/internal/clock"
	"github.com/seawatts/cove/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("state: not found")

const keyFileName = "secret.key"

const schema = `
CREATE TABLE IF NOT EXISTS hub (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS credentials (
	device_id TEXT PRIMARY KEY,
	nonce BLOB NOT NULL,
	ciphertext BLOB NOT NULL,
	valid INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS discovery_cache (
	key TEXT PRIMARY KEY,
	protocol TEXT NOT NULL,
	name TEXT NOT NULL,
	address TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 0,
	fingerprint TEXT NOT NULL,
	metadata TEXT,
	last_seen TEXT NOT NULL
);
`

// Store is the local SQLite-backed store. Credential access is serialized
// per device.
type Store struct {
	db  *sql.DB
	key []byte // 32-byte ChaCha20-Poly1305 key

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-device credential locks
}

// Open opens (or creates) the store under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(dataDir, keyFileName))
	if err != nil {
		return nil, err
	}

	dsn := filepath.Join(dataDir, "cove.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db:    db,
		key:   key,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func loadOrCreateKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("key file %s has wrong size %d", path, len(data))
		}
		return data, nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// deviceLock returns the mutex serializing credential access for a device.
func (s *Store) deviceLock(deviceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[deviceID] = l
	}
	return l
}

// HubID returns the stable hub identifier, generating and persisting one
// on first start.
func (s *Store) HubID() (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM hub LIMIT 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("read hub id: %w", err)
	}

	id = uuid.New().String()
	_, err = s.db.Exec(`INSERT INTO hub (id, created_at) VALUES (?, ?)`,
		id, clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("persist hub id: %w", err)
	}
	return id, nil
}

// SetCredential stores (or rotates) a device credential, encrypted with
// ChaCha20-Poly1305 under the store key.
func (s *Store) SetCredential(deviceID string, secret []byte) error {
	l := s.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ciphertext := aead.Seal(nil, nonce, secret, []byte(deviceID))

	now := clock.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`
		INSERT INTO credentials (device_id, nonce, ciphertext, valid, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			nonce = excluded.nonce,
			ciphertext = excluded.ciphertext,
			valid = 1,
			updated_at = excluded.updated_at`,
		deviceID, nonce, ciphertext, now, now)
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

// Credential returns the decrypted secret and its validity flag.
// Returns ErrNotFound when the device has never paired.
func (s *Store) Credential(deviceID string) ([]byte, bool, error) {
	l := s.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	var nonce, ciphertext []byte
	var valid bool
	err := s.db.QueryRow(
		`SELECT nonce, ciphertext, valid FROM credentials WHERE device_id = ?`,
		deviceID).Scan(&nonce, &ciphertext, &valid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("read credential: %w", err)
	}

	aead, err := chacha20poly1305.New(s.key)
	if err != nil {
		return nil, false, err
	}
	secret, err := aead.Open(nil, nonce, ciphertext, []byte(deviceID))
	if err != nil {
		return nil, false, fmt.Errorf("decrypt credential: %w", err)
	}
	return secret, valid, nil
}

// InvalidateCredential marks a credential invalid after an auth failure.
// The row is kept so re-pairing can detect a prior relationship.
func (s *Store) InvalidateCredential(deviceID string) error {
	l := s.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	_, err := s.db.Exec(`UPDATE credentials SET valid = 0, updated_at = ? WHERE device_id = ?`,
		clock.Now().UTC().Format(time.RFC3339Nano), deviceID)
	return err
}

// DeleteCredential removes a credential (device deletion path).
func (s *Store) DeleteCredential(deviceID string) error {
	l := s.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	_, err := s.db.Exec(`DELETE FROM credentials WHERE device_id = ?`, deviceID)
	return err
}

// SaveDescriptor upserts a discovered-device descriptor so the discovery
// snapshot survives restarts.
func (s *Store) SaveDescriptor(d model.DeviceDescriptor) error {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO discovery_cache (key, protocol, name, address, port, fingerprint, metadata, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			port = excluded.port,
			metadata = excluded.metadata,
			last_seen = excluded.last_seen`,
		d.Key(), string(d.Protocol), d.Name, d.Address, d.Port, d.Fingerprint,
		string(meta), d.LastSeen.UTC().Format(time.RFC3339Nano))
	return err
}

// Descriptors returns the cached discovery snapshot.
func (s *Store) Descriptors() ([]model.DeviceDescriptor, error) {
	rows, err := s.db.Query(
		`SELECT protocol, name, address, port, fingerprint, metadata, last_seen FROM discovery_cache ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeviceDescriptor
	for rows.Next() {
		var d model.DeviceDescriptor
		var protocol, meta, lastSeen string
		if err := rows.Scan(&protocol, &d.Name, &d.Address, &d.Port, &d.Fingerprint, &meta, &lastSeen); err != nil {
			return nil, err
		}
		d.Protocol = model.Protocol(protocol)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
				d.Metadata = nil
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, lastSeen); err == nil {
			d.LastSeen = t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
