package pushagent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/homepot/push-agent/internal/cacheproxy"
)

type recordingClaimer struct {
	mu     sync.Mutex
	claims int
}

func (c *recordingClaimer) ClaimClients(ctx context.Context) {
	c.mu.Lock()
	c.claims++
	c.mu.Unlock()
}

func (c *recordingClaimer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims
}

func newTestLifecycle(t *testing.T, root, version string, claimer ClientClaimer) (*LifecycleManager, *cacheproxy.Store) {
	t.Helper()
	store, err := cacheproxy.NewStore(root, "homepot", version)
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	manager, err := NewLifecycleManager(LifecycleOptions{
		Version: version,
		Cache:   store,
		Claimer: claimer,
	})
	if err != nil {
		t.Fatalf("lifecycle init failed: %v", err)
	}
	return manager, store
}

func TestLifecycleInstallReachesWaiting(t *testing.T) {
	manager, store := newTestLifecycle(t, t.TempDir(), "v2", nil)

	manager.Install(context.Background())
	if got := manager.State(); got != StateWaiting {
		t.Fatalf("expected waiting after install, got %s", got)
	}
	generations, err := store.Generations()
	if err != nil {
		t.Fatalf("generation listing failed: %v", err)
	}
	if len(generations) != 1 || generations[0] != "homepot-v2" {
		t.Fatalf("expected homepot-v2 generation, got %v", generations)
	}
}

func TestLifecycleActivatePurgesStaleGenerations(t *testing.T) {
	root := t.TempDir()
	for _, stale := range []string{"homepot-v1", "homepot-v1.1"} {
		if err := os.MkdirAll(filepath.Join(root, stale), 0o755); err != nil {
			t.Fatalf("stale generation setup failed: %v", err)
		}
	}
	claimer := &recordingClaimer{}
	manager, store := newTestLifecycle(t, root, "v2", claimer)

	manager.Install(context.Background())
	manager.Activate(context.Background())

	if got := manager.State(); got != StateActive {
		t.Fatalf("expected active, got %s", got)
	}
	generations, err := store.Generations()
	if err != nil {
		t.Fatalf("generation listing failed: %v", err)
	}
	if len(generations) != 1 || generations[0] != "homepot-v2" {
		t.Fatalf("expected only the current generation after activate, got %v", generations)
	}
	if claimer.count() != 1 {
		t.Fatalf("expected clients claimed once, got %d", claimer.count())
	}
}

func TestLifecycleSkipWaitingActivatesFromWaitingOnly(t *testing.T) {
	manager, _ := newTestLifecycle(t, t.TempDir(), "v2", nil)

	// Before install the agent is not waiting; skip-waiting is ignored.
	manager.SkipWaiting(context.Background())
	if got := manager.State(); got != StateInstalling {
		t.Fatalf("expected installing, got %s", got)
	}

	manager.Install(context.Background())
	manager.SkipWaiting(context.Background())
	if got := manager.State(); got != StateActive {
		t.Fatalf("expected active after skip waiting, got %s", got)
	}

	// Already active: a second skip-waiting is a no-op.
	manager.SkipWaiting(context.Background())
	if got := manager.State(); got != StateActive {
		t.Fatalf("expected active, got %s", got)
	}
}

func TestLifecycleSeedFailureIsNonFatal(t *testing.T) {
	root := t.TempDir()
	store, err := cacheproxy.NewStore(root, "homepot", "v2")
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()
	seeder, err := cacheproxy.NewSeeder(cacheproxy.SeederOptions{
		Store:       store,
		UpstreamURL: server.URL,
		HTTPClient:  server.Client(),
	})
	if err != nil {
		t.Fatalf("seeder init failed: %v", err)
	}
	manager, err := NewLifecycleManager(LifecycleOptions{
		Version: "v2",
		Cache:   store,
		Seeder:  seeder,
	})
	if err != nil {
		t.Fatalf("lifecycle init failed: %v", err)
	}

	manager.Install(context.Background())
	manager.Activate(context.Background())
	if got := manager.State(); got != StateActive {
		t.Fatalf("expected active despite failed seeding, got %s", got)
	}
}

func TestLifecycleManifestWatchReseeds(t *testing.T) {
	root := t.TempDir()
	store, err := cacheproxy.NewStore(root, "homepot", "v2")
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	var mu sync.Mutex
	fetched := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fetched[r.URL.Path]++
		mu.Unlock()
		_, _ = w.Write([]byte("asset"))
	}))
	defer server.Close()
	seeder, err := cacheproxy.NewSeeder(cacheproxy.SeederOptions{
		Store:       store,
		UpstreamURL: server.URL,
		HTTPClient:  server.Client(),
	})
	if err != nil {
		t.Fatalf("seeder init failed: %v", err)
	}

	manifest := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(manifest, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("manifest setup failed: %v", err)
	}
	manager, err := NewLifecycleManager(LifecycleOptions{
		Version:      "v2",
		Cache:        store,
		Seeder:       seeder,
		SeedPaths:    []string{"/index.html"},
		ManifestPath: manifest,
	})
	if err != nil {
		t.Fatalf("lifecycle init failed: %v", err)
	}

	manager.Install(context.Background())
	manager.WatchManifest()
	defer manager.Close()

	if err := os.WriteFile(manifest, []byte(`{"changed":true}`), 0o644); err != nil {
		t.Fatalf("manifest rewrite failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		count := fetched["/index.html"]
		mu.Unlock()
		if count >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected a re-seed after manifest change, got %d fetches", count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
