// Package cacheproxy implements the versioned offline asset cache and the
// cache-first proxy that fronts the dashboard's static assets.
package cacheproxy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// CachedResponse is one stored asset response. Only same-upstream GET
// responses with status 200 are ever stored.
type CachedResponse struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	FetchedAt  time.Time   `json:"fetched_at"`
}

// Store is a versioned on-disk response cache. Each version tag owns one
// generation directory named "{prefix}-{version}"; entries are write-once.
type Store struct {
	root    string
	prefix  string
	version string
}

func NewStore(root, prefix, version string) (*Store, error) {
	root = strings.TrimSpace(root)
	version = strings.TrimSpace(version)
	if root == "" || version == "" {
		return nil, ErrInvalidInput
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "homepot"
	}
	return &Store{root: root, prefix: prefix, version: version}, nil
}

// Version returns the version tag this store is authoritative for.
func (s *Store) Version() string {
	if s == nil {
		return ""
	}
	return s.version
}

// GenerationName returns the cache name for the active version.
func (s *Store) GenerationName() string {
	if s == nil {
		return ""
	}
	return s.prefix + "-" + s.version
}

// OpenGeneration creates the active generation directory.
func (s *Store) OpenGeneration() error {
	if s == nil {
		return ErrInvalidInput
	}
	return os.MkdirAll(filepath.Join(s.root, s.GenerationName()), 0o755)
}

// Get looks a key up in the active generation. A corrupt entry reads as a
// miss and is removed best-effort.
func (s *Store) Get(key string) (CachedResponse, bool, error) {
	if s == nil || strings.TrimSpace(key) == "" {
		return CachedResponse{}, false, nil
	}
	path := s.entryPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return CachedResponse{}, false, nil
		}
		return CachedResponse{}, false, err
	}
	var entry CachedResponse
	if err := json.Unmarshal(data, &entry); err != nil {
		_ = s.Remove(key)
		return CachedResponse{}, false, nil
	}
	return entry, true, nil
}

// Remove deletes the entry for key from the active generation. Removing a
// missing entry is not an error.
func (s *Store) Remove(key string) error {
	if s == nil {
		return ErrInvalidInput
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidInput
	}
	err := os.Remove(s.entryPath(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Put stores an entry under key. Entries are write-once: an existing entry
// is never mutated and Put returns without touching it.
func (s *Store) Put(key string, entry CachedResponse) error {
	if s == nil {
		return ErrInvalidInput
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidInput
	}
	path := s.entryPath(key)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Generations enumerates every cache generation under the root, including
// ones left behind by previous versions.
func (s *Store) Generations() ([]string, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), s.prefix+"-") {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// PurgeExcept removes every generation other than the active one.
// Removal is best-effort; failures are joined and reported to the caller.
func (s *Store) PurgeExcept() error {
	if s == nil {
		return ErrInvalidInput
	}
	names, err := s.Generations()
	if err != nil {
		return err
	}
	keep := s.GenerationName()
	var errs []error
	for _, name := range names {
		if name == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.root, s.GenerationName(), hex.EncodeToString(sum[:])+".json")
}
