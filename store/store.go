// Package store holds the durable routing table, RSA key material, and the
// per-topic watermark as a single JSON document, atomically rewritten on
// every mutation.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrWriteFailed is returned when the atomic rewrite fails after the
// mutation has been applied in memory. Per spec.md §7 this is fatal to the
// triggering operation: the caller must not advance any watermark for work
// that depended on this write succeeding.
var ErrWriteFailed = errors.New("store: write failed")

// schemaVersion is written to metadata.version for documents created by
// this build.
const schemaVersion = "1.0"

// RSAKeyMaterial is the persisted form of an RSA key pair.
type RSAKeyMaterial struct {
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	CreatedAt  time.Time `json:"createdAt"`
}

// metadata is the "metadata" object of the persisted document.
type metadata struct {
	RSAKeys     *RSAKeyMaterial   `json:"rsaKeys"`
	Sequences   map[string]uint64 `json:"sequences"`
	LastUpdated time.Time         `json:"lastUpdated"`
	Version     string            `json:"version"`
}

// document is the on-disk shape of the persisted JSON file.
type document struct {
	Routes   map[string]string `json:"routes"`
	Metadata metadata          `json:"metadata"`
}

// Store holds the routing table, RSA key pair, and watermarks in memory,
// guarded by a RWMutex for reads and a dedicated mutex serializing the
// write-to-disk path, per spec.md §5.
type Store struct {
	path string

	mu  sync.RWMutex // guards in-memory state for readers
	doc document

	writeMu sync.Mutex // serializes persist() so rename is never concurrent
}

// Open loads path if it exists (applying the schema migration described in
// spec.md §4.4), or initializes an empty document if it does not.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.doc = document{
			Routes: map[string]string{},
			Metadata: metadata{
				Sequences:   map[string]uint64{},
				LastUpdated: time.Now().UTC(),
				Version:     schemaVersion,
			},
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}

	doc, err := migrate(data)
	if err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", path, err)
	}
	s.doc = doc
	return s, nil
}

// migrate parses data into a document, applying the flat-map and missing
// -version migrations from spec.md §4.4.
func migrate(data []byte) (document, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return document{}, err
	}

	_, hasRoutes := probe["routes"]
	_, hasMetadata := probe["metadata"]

	if !hasRoutes || !hasMetadata {
		// Treat the whole document as a flat addr->url map.
		var flat map[string]string
		if err := json.Unmarshal(data, &flat); err != nil {
			return document{}, err
		}
		return document{
			Routes: flat,
			Metadata: metadata{
				Sequences:   map[string]uint64{},
				LastUpdated: time.Now().UTC(),
				Version:     schemaVersion,
			},
		}, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, err
	}
	if doc.Routes == nil {
		doc.Routes = map[string]string{}
	}
	if doc.Metadata.Sequences == nil {
		doc.Metadata.Sequences = map[string]uint64{}
	}
	if doc.Metadata.Version == "" {
		doc.Metadata.Version = schemaVersion
	}
	return doc, nil
}

// persist serializes the current document and atomically rewrites the
// underlying file: write to a temp file in the same directory, fsync it,
// then rename over the target. Callers take a private copy with
// cloneDocLocked while holding s.mu and call persist after releasing it,
// so the write path stays independent of reader locking; persist only
// holds writeMu.
func (s *Store) persist(doc document) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrWriteFailed, err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrWriteFailed, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp file: %v", ErrWriteFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: fsync temp file: %v", ErrWriteFailed, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %v", ErrWriteFailed, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("%w: rename: %v", ErrWriteFailed, err)
	}
	return nil
}

// RoutesView is a read-only snapshot of the routing table handed to
// dispatchers so they never contend with writers.
type RoutesView map[string]string

// Snapshot returns a shallow copy of the current routing map.
func (s *Store) Snapshot() RoutesView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view := make(RoutesView, len(s.doc.Routes))
	for k, v := range s.doc.Routes {
		view[k] = v
	}
	return view
}

// GetTarget returns the backend URL installed for addr, if any. addr must
// already be normalized (lowercase, no 0x).
func (s *Store) GetTarget(addr string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	url, ok := s.doc.Routes[addr]
	return url, ok
}

// UpdateRoutes merges new into the routing table (addr->url), preserving
// unrelated existing keys, and persists the result. Per spec.md I3, a
// newer call for the same addr atomically replaces the previous mapping.
func (s *Store) UpdateRoutes(new map[string]string) error {
	s.mu.Lock()
	for addr, url := range new {
		s.doc.Routes[addr] = url
	}
	s.doc.Metadata.LastUpdated = time.Now().UTC()
	docCopy := s.cloneDocLocked()
	s.mu.Unlock()

	return s.persist(docCopy)
}

// AdvanceWatermark sets watermarks[topic] = seq if seq is strictly greater
// than the current value, and persists the result. No-op (and no write) if
// seq is not an advance, matching spec.md's "accepts only seq > current."
func (s *Store) AdvanceWatermark(topic string, seq uint64) error {
	s.mu.Lock()
	current := s.doc.Metadata.Sequences[topic]
	if seq <= current {
		s.mu.Unlock()
		return nil
	}
	s.doc.Metadata.Sequences[topic] = seq
	s.doc.Metadata.LastUpdated = time.Now().UTC()
	docCopy := s.cloneDocLocked()
	s.mu.Unlock()

	return s.persist(docCopy)
}

// Watermark returns the last-processed sequence number for topic.
func (s *Store) Watermark(topic string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Metadata.Sequences[topic]
}

// SetRSAKeys installs the RSA key material (called once, at first startup)
// and persists it.
func (s *Store) SetRSAKeys(mat RSAKeyMaterial) error {
	s.mu.Lock()
	s.doc.Metadata.RSAKeys = &mat
	s.doc.Metadata.LastUpdated = time.Now().UTC()
	docCopy := s.cloneDocLocked()
	s.mu.Unlock()

	return s.persist(docCopy)
}

// RSAKeys returns the persisted RSA key material, or nil if none has been
// set yet.
func (s *Store) RSAKeys() *RSAKeyMaterial {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc.Metadata.RSAKeys == nil {
		return nil
	}
	cp := *s.doc.Metadata.RSAKeys
	return &cp
}

// cloneDocLocked returns a deep-enough copy of s.doc for persist to
// serialize outside of s.mu. Caller must hold s.mu.
func (s *Store) cloneDocLocked() document {
	routes := make(map[string]string, len(s.doc.Routes))
	for k, v := range s.doc.Routes {
		routes[k] = v
	}
	seqs := make(map[string]uint64, len(s.doc.Metadata.Sequences))
	for k, v := range s.doc.Metadata.Sequences {
		seqs[k] = v
	}
	var rsaKeys *RSAKeyMaterial
	if s.doc.Metadata.RSAKeys != nil {
		cp := *s.doc.Metadata.RSAKeys
		rsaKeys = &cp
	}
	return document{
		Routes: routes,
		Metadata: metadata{
			RSAKeys:     rsaKeys,
			Sequences:   seqs,
			LastUpdated: s.doc.Metadata.LastUpdated,
			Version:     s.doc.Metadata.Version,
		},
	}
}
