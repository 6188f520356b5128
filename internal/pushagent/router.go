package pushagent

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// ActionDismiss closes the notification without any routing.
const ActionDismiss = "dismiss"

// WindowClient is one open foreground window reachable by the agent.
type WindowClient interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
}

// WindowRegistry enumerates open windows, including ones that attached
// before the current agent generation activated.
type WindowRegistry interface {
	Windows() []WindowClient
}

// WindowOpener opens a fresh window at a URL. A nil opener means window
// opening is unavailable in this environment.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// NotificationCloser dismisses a displayed notification by tag.
type NotificationCloser interface {
	CloseNotification(ctx context.Context, tag string)
}

// NotificationClick is the click event a foreground window reports back for
// a displayed notification.
type NotificationClick struct {
	Tag    string
	Action string
	Data   map[string]any
}

type RouterOptions struct {
	Windows    WindowRegistry
	Opener     WindowOpener
	Closer     NotificationCloser
	DefaultURL string
	Logger     *zap.Logger
}

// NotificationRouter handles notification click and dismiss events: it
// focuses an open window whose URL matches the click target, or opens a new
// one. Nothing on this path ever surfaces an error.
type NotificationRouter struct {
	windows    WindowRegistry
	opener     WindowOpener
	closer     NotificationCloser
	defaultURL string
	log        *zap.Logger
}

func NewNotificationRouter(opts RouterOptions) *NotificationRouter {
	defaultURL := strings.TrimSpace(opts.DefaultURL)
	if defaultURL == "" {
		defaultURL = DefaultClickURL
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &NotificationRouter{
		windows:    opts.Windows,
		opener:     opts.Opener,
		closer:     opts.Closer,
		defaultURL: defaultURL,
		log:        log.Named("router"),
	}
}

// HandleClick closes the notification, then focuses the first open window
// whose URL contains the target, or opens a new window at the target. An
// unrecognized action routes like a plain click; "dismiss" stops after the
// close.
func (r *NotificationRouter) HandleClick(ctx context.Context, click NotificationClick) {
	if r == nil {
		return
	}
	if r.closer != nil {
		r.closer.CloseNotification(ctx, click.Tag)
	}
	if click.Action == ActionDismiss {
		return
	}

	target := r.defaultURL
	if raw, ok := click.Data["url"].(string); ok {
		if trimmed := strings.TrimSpace(raw); trimmed != "" {
			target = trimmed
		}
	}

	if r.windows != nil {
		for _, window := range r.windows.Windows() {
			if !strings.Contains(window.URL(), target) {
				continue
			}
			if err := window.Focus(ctx); err != nil {
				r.log.Warn("window focus failed", zap.String("window", window.ID()), zap.Error(err))
			}
			return
		}
	}

	if r.opener == nil {
		r.log.Debug("window opening unavailable", zap.String("target", target))
		return
	}
	if err := r.opener.OpenWindow(ctx, target); err != nil {
		r.log.Warn("window open failed", zap.String("target", target), zap.Error(err))
	}
}

// HandleDismiss is a close without a click. No default action; the
// track-dismiss flag is a reserved analytics hook, not wired to any effect.
func (r *NotificationRouter) HandleDismiss(ctx context.Context, tag string, trackDismiss bool) {
	if r == nil {
		return
	}
	r.log.Debug("notification dismissed", zap.String("tag", tag), zap.Bool("track_dismiss", trackDismiss))
}
