// Package pushagent implements the HomePot background push agent: a
// headless process that normalizes and displays push notifications, keeps a
// durable device identity, acknowledges deliveries to the backend, and owns
// the versioned offline cache lifecycle.
package pushagent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/homepot/push-agent/internal/cacheproxy"
)

const (
	defaultTaskTimeout = 30 * time.Second
	maxPushPayload     = 64 << 10
)

type AgentOptions struct {
	Version         string
	Cache           *cacheproxy.Store
	Seeder          *cacheproxy.Seeder
	Proxy           http.Handler
	IdentityBackend IdentityBackend
	AckBaseURL      string
	HTTPClient      *http.Client
	SeedPaths       []string
	ManifestPath    string
	DefaultClickURL string
	// HoldActivation keeps the agent in Waiting after install until a
	// SKIP_WAITING control message arrives.
	HoldActivation bool
	TaskTimeout    time.Duration
	Logger         *zap.Logger
}

// Agent wires the push pipeline together and tracks in-flight background
// work so the process can drain before exiting.
type Agent struct {
	log            *zap.Logger
	holdActivation bool
	taskTimeout    time.Duration

	cache     *cacheproxy.Store
	identity  *DeviceIdentityStore
	lifecycle *LifecycleManager
	hub       *ControlHub
	router    *NotificationRouter
	pushes    *PushHandler
	proxy     http.Handler

	inflight sync.WaitGroup
}

type claimerFunc func(ctx context.Context)

func (f claimerFunc) ClaimClients(ctx context.Context) { f(ctx) }

func New(opts AgentOptions) (*Agent, error) {
	if opts.Version == "" || opts.Cache == nil {
		return nil, ErrInvalidInput
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	taskTimeout := opts.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}

	a := &Agent{
		log:            log,
		holdActivation: opts.HoldActivation,
		taskTimeout:    taskTimeout,
		cache:          opts.Cache,
		proxy:          opts.Proxy,
	}

	a.identity = NewDeviceIdentityStore(opts.IdentityBackend, log)

	lifecycle, err := NewLifecycleManager(LifecycleOptions{
		Version:      opts.Version,
		Cache:        opts.Cache,
		Seeder:       opts.Seeder,
		SeedPaths:    opts.SeedPaths,
		ManifestPath: opts.ManifestPath,
		Claimer: claimerFunc(func(ctx context.Context) {
			if a.hub != nil {
				a.hub.ClaimClients(ctx)
			}
		}),
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	a.lifecycle = lifecycle

	a.hub = NewControlHub(ControlHubOptions{
		Lifecycle: lifecycle,
		Extend:    a.Go,
		Logger:    log,
	})
	a.router = NewNotificationRouter(RouterOptions{
		Windows:    a.hub,
		Opener:     a.hub,
		Closer:     a.hub,
		DefaultURL: opts.DefaultClickURL,
		Logger:     log,
	})
	a.hub.SetRouter(a.router)

	a.pushes = NewPushHandler(PushHandlerOptions{
		Identity: a.identity,
		Acks: NewAckHTTPClient(AckClientOptions{
			BaseURL:    opts.AckBaseURL,
			HTTPClient: opts.HTTPClient,
			UserAgent:  "homepot-agent/" + opts.Version,
		}),
		Notifier: a.hub,
		Extend:   a.Go,
		Logger:   log,
	})

	return a, nil
}

// Go runs fn as lifetime-extended background work: Shutdown waits for it,
// and a panic is contained so one bad task cannot stop the agent from
// handling all future events.
func (a *Agent) Go(name string, fn func(ctx context.Context)) {
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				a.log.Error("background task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), a.taskTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Start runs the install/activate cycle and begins watching the seed
// manifest. With HoldActivation the agent stays in Waiting until the
// foreground issues SKIP_WAITING.
func (a *Agent) Start(ctx context.Context) {
	a.lifecycle.Install(ctx)
	a.lifecycle.WatchManifest()
	if !a.holdActivation {
		a.lifecycle.Activate(ctx)
	}
}

// Shutdown drains in-flight work within the context deadline, then releases
// the watcher, the control channel, and the identity store.
func (a *Agent) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown deadline reached with work in flight")
	}
	_ = a.lifecycle.Close()
	_ = a.hub.Close()
	_ = a.identity.Close()
}

// State exposes the lifecycle state, mainly for the status endpoint.
func (a *Agent) State() LifecycleState {
	return a.lifecycle.State()
}

// Handler returns the agent's HTTP surface: the push delivery endpoint, the
// control channel, status and health, with everything else handled by the
// cache proxy.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/agent/status", a.handleStatus)
	mux.HandleFunc("/agent/push", a.handlePush)
	mux.Handle("/agent/channel", a.hub)
	if a.proxy != nil {
		mux.Handle("/", a.proxy)
	}
	return mux
}

// handlePush is the push delivery endpoint: the payload is accepted
// immediately and handled as an independent background task, matching the
// unordered event model.
func (a *Agent) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPushPayload))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable payload"})
		return
	}
	a.Go("push", func(ctx context.Context) {
		if err := a.pushes.HandlePush(ctx, payload); err != nil {
			a.log.Error("push handling failed", zap.Error(err))
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	generations, err := a.cache.Generations()
	if err != nil {
		a.log.Warn("generation listing failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":       a.lifecycle.State(),
		"version":     a.lifecycle.Version(),
		"generation":  a.cache.GenerationName(),
		"generations": generations,
		"windows":     a.hub.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
