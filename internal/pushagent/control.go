package pushagent

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Control message kinds exchanged with foreground windows. SKIP_WAITING and
// GET_VERSION are the inbound protocol; the rest carry displays, window
// commands, and click reports.
const (
	MessageSkipWaiting        = "SKIP_WAITING"
	MessageGetVersion         = "GET_VERSION"
	MessageVersion            = "VERSION"
	MessageWindowHello        = "WINDOW_HELLO"
	MessageNotification       = "NOTIFICATION"
	MessageCloseNotification  = "CLOSE_NOTIFICATION"
	MessageFocusWindow        = "FOCUS_WINDOW"
	MessageOpenWindow         = "OPEN_WINDOW"
	MessageControllerChange   = "CONTROLLER_CHANGE"
	MessageNotificationClick  = "NOTIFICATION_CLICK"
	MessageNotificationClosed = "NOTIFICATION_CLOSED"
)

const controlWriteTimeout = 5 * time.Second

// ControlMessage is the single envelope for every frame on the channel.
// Fields beyond Type are populated per message kind.
type ControlMessage struct {
	Type         string                  `json:"type"`
	URL          string                  `json:"url,omitempty"`
	Version      string                  `json:"version,omitempty"`
	Tag          string                  `json:"tag,omitempty"`
	Action       string                  `json:"action,omitempty"`
	Data         map[string]any          `json:"data,omitempty"`
	TrackDismiss bool                    `json:"track_dismiss,omitempty"`
	Notification *NotificationDescriptor `json:"notification,omitempty"`
}

// LifecycleControl is what the channel needs from the lifecycle manager.
type LifecycleControl interface {
	SkipWaiting(ctx context.Context)
	Version() string
}

type controlHandlerFunc func(ctx context.Context, c *controlConn, msg ControlMessage)

type ControlHubOptions struct {
	Lifecycle LifecycleControl
	Extend    func(name string, fn func(ctx context.Context))
	Logger    *zap.Logger
}

// ControlHub is the message channel between the agent and its foreground
// windows. Each connected window is a WindowClient; the hub is also the
// notification display surface and the window opener.
type ControlHub struct {
	lifecycle LifecycleControl
	extend    func(name string, fn func(ctx context.Context))
	log       *zap.Logger
	handlers  map[string]controlHandlerFunc

	routerMu sync.RWMutex
	router   *NotificationRouter

	mu     sync.RWMutex
	conns  map[string]*controlConn
	nextID uint64
}

func NewControlHub(opts ControlHubOptions) *ControlHub {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	extend := opts.Extend
	if extend == nil {
		extend = func(name string, fn func(ctx context.Context)) { fn(context.Background()) }
	}
	h := &ControlHub{
		lifecycle: opts.Lifecycle,
		extend:    extend,
		log:       log.Named("control"),
		conns:     map[string]*controlConn{},
	}
	h.handlers = map[string]controlHandlerFunc{
		MessageSkipWaiting:        h.handleSkipWaiting,
		MessageGetVersion:         h.handleGetVersion,
		MessageWindowHello:        h.handleWindowHello,
		MessageNotificationClick:  h.handleNotificationClick,
		MessageNotificationClosed: h.handleNotificationClosed,
	}
	return h
}

// SetRouter wires the click router. The router needs the hub as its window
// registry, so it is attached after construction.
func (h *ControlHub) SetRouter(router *NotificationRouter) {
	h.routerMu.Lock()
	h.router = router
	h.routerMu.Unlock()
}

func (h *ControlHub) clickRouter() *NotificationRouter {
	h.routerMu.RLock()
	defer h.routerMu.RUnlock()
	return h.router
}

func (h *ControlHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("control channel accept failed", zap.Error(err))
		return
	}
	c := h.register(conn)
	defer h.unregister(c)
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var msg ControlMessage
		if err := wsjson.Read(r.Context(), conn, &msg); err != nil {
			return
		}
		h.dispatch(c, msg)
	}
}

// dispatch routes one inbound frame through the handler table as an
// independently scheduled, lifetime-extended task. Unknown kinds are
// ignored without error.
func (h *ControlHub) dispatch(c *controlConn, msg ControlMessage) {
	handler, ok := h.handlers[msg.Type]
	if !ok {
		h.log.Debug("ignoring unknown control message", zap.String("type", msg.Type))
		return
	}
	h.extend("control:"+msg.Type, func(ctx context.Context) {
		handler(ctx, c, msg)
	})
}

func (h *ControlHub) handleSkipWaiting(ctx context.Context, _ *controlConn, _ ControlMessage) {
	if h.lifecycle != nil {
		h.lifecycle.SkipWaiting(ctx)
	}
}

func (h *ControlHub) handleGetVersion(ctx context.Context, c *controlConn, _ ControlMessage) {
	version := ""
	if h.lifecycle != nil {
		version = h.lifecycle.Version()
	}
	if err := c.send(ctx, ControlMessage{Type: MessageVersion, Version: version}); err != nil {
		h.log.Warn("version reply failed", zap.String("window", c.id), zap.Error(err))
	}
}

func (h *ControlHub) handleWindowHello(_ context.Context, c *controlConn, msg ControlMessage) {
	c.setURL(msg.URL)
	h.log.Debug("window registered", zap.String("window", c.id), zap.String("url", msg.URL))
}

func (h *ControlHub) handleNotificationClick(ctx context.Context, _ *controlConn, msg ControlMessage) {
	router := h.clickRouter()
	if router == nil {
		return
	}
	router.HandleClick(ctx, NotificationClick{Tag: msg.Tag, Action: msg.Action, Data: msg.Data})
}

func (h *ControlHub) handleNotificationClosed(ctx context.Context, _ *controlConn, msg ControlMessage) {
	router := h.clickRouter()
	if router == nil {
		return
	}
	router.HandleDismiss(ctx, msg.Tag, msg.TrackDismiss)
}

// Show forwards a descriptor to every connected window. With no windows
// connected the notification is surfaced in the agent log and display
// counts as done; display only fails when every connected window rejects
// the write.
func (h *ControlHub) Show(ctx context.Context, desc NotificationDescriptor) error {
	conns := h.snapshot()
	if len(conns) == 0 {
		h.log.Info("notification displayed without foreground windows",
			zap.String("tag", desc.Tag), zap.String("title", desc.Title))
		return nil
	}
	delivered := 0
	for _, c := range conns {
		if err := c.send(ctx, ControlMessage{Type: MessageNotification, Notification: &desc}); err != nil {
			h.log.Warn("notification delivery failed", zap.String("window", c.id), zap.Error(err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("notification display failed for all %d windows", len(conns))
	}
	return nil
}

// CloseNotification tells every window to dismiss the tagged notification.
func (h *ControlHub) CloseNotification(ctx context.Context, tag string) {
	for _, c := range h.snapshot() {
		if err := c.send(ctx, ControlMessage{Type: MessageCloseNotification, Tag: tag}); err != nil {
			h.log.Debug("notification close dropped", zap.String("window", c.id), zap.Error(err))
		}
	}
}

// OpenWindow asks one connected window to open the URL in a fresh window.
// With no window connected this is a silent no-op.
func (h *ControlHub) OpenWindow(ctx context.Context, url string) error {
	conns := h.snapshot()
	if len(conns) == 0 {
		h.log.Debug("window opening unavailable", zap.String("url", url))
		return nil
	}
	return conns[0].send(ctx, ControlMessage{Type: MessageOpenWindow, URL: url})
}

// ClaimClients announces the newly active generation so windows re-attach
// without a reload.
func (h *ControlHub) ClaimClients(ctx context.Context) {
	version := ""
	if h.lifecycle != nil {
		version = h.lifecycle.Version()
	}
	for _, c := range h.snapshot() {
		if err := c.send(ctx, ControlMessage{Type: MessageControllerChange, Version: version}); err != nil {
			h.log.Debug("controller change dropped", zap.String("window", c.id), zap.Error(err))
		}
	}
}

// Windows returns every connection that has announced a page URL.
func (h *ControlHub) Windows() []WindowClient {
	var windows []WindowClient
	for _, c := range h.snapshot() {
		if c.currentURL() != "" {
			windows = append(windows, c)
		}
	}
	return windows
}

// ClientCount reports connected foreground windows, registered or not.
func (h *ControlHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *ControlHub) register(conn *websocket.Conn) *controlConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	c := &controlConn{
		id:   "win_" + strconv.FormatUint(h.nextID, 10),
		conn: conn,
	}
	h.conns[c.id] = c
	return c
}

func (h *ControlHub) unregister(c *controlConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
}

func (h *ControlHub) snapshot() []*controlConn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*controlConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

// Close drops every connection; used at agent shutdown.
func (h *ControlHub) Close() error {
	for _, c := range h.snapshot() {
		_ = c.conn.Close(websocket.StatusGoingAway, "agent shutting down")
	}
	return nil
}

// controlConn is one foreground window connection. It implements
// WindowClient once the window has sent WINDOW_HELLO.
type controlConn struct {
	id   string
	conn *websocket.Conn

	// writeMu serializes frame writes; url has its own lock so a slow
	// window write never blocks registry reads.
	writeMu sync.Mutex

	mu  sync.Mutex
	url string
}

func (c *controlConn) ID() string {
	return c.id
}

func (c *controlConn) URL() string {
	return c.currentURL()
}

func (c *controlConn) Focus(ctx context.Context) error {
	return c.send(ctx, ControlMessage{Type: MessageFocusWindow})
}

func (c *controlConn) currentURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *controlConn) setURL(url string) {
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
}

// send serializes writes; the websocket permits one concurrent writer.
func (c *controlConn) send(ctx context.Context, msg ControlMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, c.conn, msg)
}
