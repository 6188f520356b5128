package pushagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type InMemoryIdentityBackend struct {
	mu sync.Mutex
	id string
}

func NewInMemoryIdentityBackend() *InMemoryIdentityBackend {
	return &InMemoryIdentityBackend{}
}

func (b *InMemoryIdentityBackend) Load(ctx context.Context) (string, error) {
	if b == nil {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id, nil
}

func (b *InMemoryIdentityBackend) Save(ctx context.Context, id string) error {
	if b == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.id == "" {
		b.id = strings.TrimSpace(id)
	}
	return nil
}

func (b *InMemoryIdentityBackend) Close() error {
	return nil
}

type jsonFileIdentityState struct {
	DeviceID string `json:"device_id"`
}

// JSONFileIdentityBackend persists the identity as a single JSON document,
// written atomically via tmp+rename.
type JSONFileIdentityBackend struct {
	path string
	mu   sync.Mutex
}

func NewJSONFileIdentityBackend(path string) (*JSONFileIdentityBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &JSONFileIdentityBackend{path: path}, nil
}

func (b *JSONFileIdentityBackend) Load(ctx context.Context) (string, error) {
	if b == nil {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	var state jsonFileIdentityState
	if err := json.Unmarshal(data, &state); err != nil {
		return "", err
	}
	return strings.TrimSpace(state.DeviceID), nil
}

func (b *JSONFileIdentityBackend) Save(ctx context.Context, id string) error {
	if b == nil {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := json.Marshal(jsonFileIdentityState{DeviceID: strings.TrimSpace(id)})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *JSONFileIdentityBackend) Close() error {
	return nil
}

// BuildIdentityBackendFromDSN selects an identity backend by DSN scheme.
// Registered factories take precedence over the built-in schemes.
func BuildIdentityBackendFromDSN(dsn string) (IdentityBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupIdentityBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileIdentityBackend(path)
	case "memory", "mem", "inmem":
		return NewInMemoryIdentityBackend(), nil
	case "bolt", "bbolt":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBoltIdentityBackend(path)
	case "postgres", "postgresql":
		return NewPostgresIdentityBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: identity backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported identity backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Opaque)
	if path == "" {
		// Relative paths parse their first segment as the URL host.
		path = strings.TrimSpace(parsed.Host + parsed.Path)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
