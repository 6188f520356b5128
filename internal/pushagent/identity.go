package pushagent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const deviceIDKey = "device_id"

// IdentityBackend is the durable store behind the device identity. Load
// returns the empty string when no identity has been committed yet.
type IdentityBackend interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, id string) error
	Close() error
}

// DeviceIdentityStore creates and serves the durable device identifier.
// First-time creation is serialized through a single in-process flight, so
// concurrent callers that race the initial check-then-write all observe the
// same UUID.
type DeviceIdentityStore struct {
	backend IdentityBackend
	log     *zap.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	cached string
}

func NewDeviceIdentityStore(backend IdentityBackend, log *zap.Logger) *DeviceIdentityStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &DeviceIdentityStore{
		backend: backend,
		log:     log.Named("identity"),
	}
}

// GetOrCreateDeviceID returns the device identity, creating it on first
// access. It is idempotent: once a UUID has been committed, every caller
// observes that value. Backend failures classify as ErrStorageUnavailable.
func (s *DeviceIdentityStore) GetOrCreateDeviceID(ctx context.Context) (string, error) {
	if s == nil || s.backend == nil {
		return "", fmt.Errorf("%w: no identity backend configured", ErrStorageUnavailable)
	}
	s.mu.RLock()
	cached := s.cached
	s.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}

	value, err, _ := s.group.Do(deviceIDKey, func() (any, error) {
		return s.loadOrCreate(ctx)
	})
	if err != nil {
		return "", err
	}
	id, _ := value.(string)
	return id, nil
}

func (s *DeviceIdentityStore) loadOrCreate(ctx context.Context) (string, error) {
	s.mu.RLock()
	cached := s.cached
	s.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}

	existing, err := s.backend.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if existing = strings.TrimSpace(existing); existing != "" {
		s.remember(existing)
		return existing, nil
	}

	id := uuid.NewString()
	if err := s.backend.Save(ctx, id); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	// Re-read after the write: a backend shared with another agent process
	// may have committed a different id first, and that one wins.
	committed, err := s.backend.Load(ctx)
	if err == nil && strings.TrimSpace(committed) != "" {
		id = strings.TrimSpace(committed)
	}
	s.remember(id)
	s.log.Info("device identity created", zap.String("device_id", id))
	return id, nil
}

func (s *DeviceIdentityStore) remember(id string) {
	s.mu.Lock()
	s.cached = id
	s.mu.Unlock()
}

// Close releases the backing store.
func (s *DeviceIdentityStore) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
