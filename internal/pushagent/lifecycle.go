package pushagent

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/homepot/push-agent/internal/cacheproxy"
)

// LifecycleState tracks the agent's install/activate progression.
type LifecycleState string

const (
	StateInstalling LifecycleState = "installing"
	StateWaiting    LifecycleState = "waiting"
	StateActivating LifecycleState = "activating"
	StateActive     LifecycleState = "active"
)

// ClientClaimer lets the lifecycle take control of open foreground windows
// once a new cache generation becomes authoritative.
type ClientClaimer interface {
	ClaimClients(ctx context.Context)
}

type LifecycleOptions struct {
	Version      string
	Cache        *cacheproxy.Store
	Seeder       *cacheproxy.Seeder
	SeedPaths    []string
	ManifestPath string
	Claimer      ClientClaimer
	Logger       *zap.Logger
}

// LifecycleManager owns cache-version bookkeeping: it opens and seeds the
// generation for the current version at install, purges every stale
// generation at activate, and claims open clients. Every failure on this
// path is non-fatal; the agent always reaches Active.
type LifecycleManager struct {
	version      string
	cache        *cacheproxy.Store
	seeder       *cacheproxy.Seeder
	seedPaths    []string
	manifestPath string
	claimer      ClientClaimer
	log          *zap.Logger

	mu    sync.Mutex
	state LifecycleState

	watcher     *fsnotify.Watcher
	watcherDone chan struct{}
}

func NewLifecycleManager(opts LifecycleOptions) (*LifecycleManager, error) {
	if opts.Version == "" || opts.Cache == nil {
		return nil, ErrInvalidInput
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	seedPaths := opts.SeedPaths
	if len(seedPaths) == 0 {
		seedPaths = cacheproxy.DefaultSeedPaths()
	}
	return &LifecycleManager{
		version:      opts.Version,
		cache:        opts.Cache,
		seeder:       opts.Seeder,
		seedPaths:    seedPaths,
		manifestPath: opts.ManifestPath,
		claimer:      opts.Claimer,
		log:          log.Named("lifecycle"),
		state:        StateInstalling,
	}, nil
}

func (m *LifecycleManager) Version() string {
	if m == nil {
		return ""
	}
	return m.version
}

func (m *LifecycleManager) State() LifecycleState {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *LifecycleManager) setState(state LifecycleState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// Install opens the generation for the current version and seeds it.
// Cache-open and seed failures are swallowed: a missing optional asset must
// not block installation.
func (m *LifecycleManager) Install(ctx context.Context) {
	if m == nil {
		return
	}
	m.setState(StateInstalling)
	if err := m.cache.OpenGeneration(); err != nil {
		m.log.Warn("cache open failed", zap.String("generation", m.cache.GenerationName()), zap.Error(err))
	}
	m.seed(ctx)
	m.setState(StateWaiting)
	m.log.Info("installed", zap.String("version", m.version))
}

// Activate purges stale generations and claims open clients. Purge failures
// are best-effort; activation always completes.
func (m *LifecycleManager) Activate(ctx context.Context) {
	if m == nil {
		return
	}
	m.setState(StateActivating)
	if err := m.cache.PurgeExcept(); err != nil {
		m.log.Warn("stale cache purge incomplete", zap.Error(err))
	}
	if m.claimer != nil {
		m.claimer.ClaimClients(ctx)
	}
	m.setState(StateActive)
	m.log.Info("activated", zap.String("version", m.version))
}

// SkipWaiting forces the Waiting -> Activating transition. Issued by the
// foreground over the control channel; a no-op in any other state.
func (m *LifecycleManager) SkipWaiting(ctx context.Context) {
	if m == nil {
		return
	}
	m.mu.Lock()
	waiting := m.state == StateWaiting
	m.mu.Unlock()
	if !waiting {
		return
	}
	m.log.Info("skip waiting requested")
	m.Activate(ctx)
}

func (m *LifecycleManager) seed(ctx context.Context) {
	if m.seeder == nil {
		return
	}
	if err := m.seeder.Seed(ctx, m.seedPaths); err != nil {
		m.log.Warn("seeding incomplete", zap.Error(err))
	}
}

// WatchManifest re-seeds the active generation whenever the seed manifest
// file changes. Best-effort: a watcher that cannot start is only logged.
func (m *LifecycleManager) WatchManifest() {
	if m == nil || m.manifestPath == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("manifest watcher unavailable", zap.Error(err))
		return
	}
	if err := watcher.Add(m.manifestPath); err != nil {
		m.log.Warn("manifest watch failed", zap.String("path", m.manifestPath), zap.Error(err))
		_ = watcher.Close()
		return
	}
	m.watcher = watcher
	m.watcherDone = make(chan struct{})
	go m.watchLoop()
}

func (m *LifecycleManager) watchLoop() {
	defer close(m.watcherDone)
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				m.log.Info("seed manifest changed, re-seeding", zap.String("path", event.Name))
				m.seed(context.Background())
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("manifest watcher error", zap.Error(err))
		}
	}
}

// Close stops the manifest watcher if one is running.
func (m *LifecycleManager) Close() error {
	if m == nil || m.watcher == nil {
		return nil
	}
	err := m.watcher.Close()
	<-m.watcherDone
	return err
}
