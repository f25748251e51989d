// Package watch turns file system notifications below the synced root into
// batched change reports.
package watch

import (
	"context"
	"errors"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/syncthing/notify"

	"mapsync/fsroot"
)

const (
	// DefaultSettle is how long changes are collected before being reported.
	DefaultSettle = 500 * time.Millisecond
	// DefaultMaxPending is the number of distinct paths after which a batch
	// is reported as a full rescan instead.
	DefaultMaxPending = 512
	// DefaultPollInterval is the full rescan period used when notifications
	// are unavailable.
	DefaultPollInterval = 30 * time.Second

	backendBuffer = 500
)

// ErrSinkRequired is returned when no change consumer is configured.
var ErrSinkRequired = errors.New("watch: sink is required")

// Sink receives change reports. initialize asks for a full rescan.
type Sink interface {
	PathsUpdated(paths []string, initialize bool)
}

type (
	watchFunc func(path string, c chan<- notify.EventInfo, events ...notify.Event) error
	stopFunc  func(c chan<- notify.EventInfo)
)

// Options configures a Watcher.
type Options struct {
	Root         *fsroot.Root
	Sink         Sink
	Settle       time.Duration
	MaxPending   int
	PollInterval time.Duration
	Logger       *log.Logger

	watchFn watchFunc
	stopFn  stopFunc
}

func (o Options) withDefaults() Options {
	out := o
	if out.Settle <= 0 {
		out.Settle = DefaultSettle
	}
	if out.MaxPending <= 0 {
		out.MaxPending = DefaultMaxPending
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.Logger == nil {
		out.Logger = log.Default()
	}
	if out.watchFn == nil {
		out.watchFn = notify.Watch
	}
	if out.stopFn == nil {
		out.stopFn = notify.Stop
	}
	return out
}

// Watcher reports changes below a root to its sink.
type Watcher struct {
	opts     Options
	resolved string
}

// New validates options and returns a Watcher. Nothing is watched until
// Serve runs.
func New(options Options) (*Watcher, error) {
	opts := options.withDefaults()
	if opts.Root == nil {
		return nil, errors.New("watch: root is required")
	}
	if opts.Sink == nil {
		return nil, ErrSinkRequired
	}
	resolved, err := filepath.EvalSymlinks(opts.Root.Dir())
	if err != nil {
		resolved = opts.Root.Dir()
	}
	return &Watcher{opts: opts, resolved: resolved}, nil
}

// Serve watches until ctx is done. When the recursive watch cannot be set
// up, the sink gets a full rescan request every poll interval instead.
func (w *Watcher) Serve(ctx context.Context) error {
	backend := make(chan notify.EventInfo, backendBuffer)
	if err := w.opts.watchFn(filepath.Join(w.opts.Root.Dir(), "..."), backend, notify.All); err != nil {
		w.opts.stopFn(backend)
		w.opts.Logger.Printf("watch: notifications unavailable for %s, polling every %s: %v", w.opts.Root.Dir(), w.opts.PollInterval, err)
		return w.poll(ctx)
	}
	defer w.opts.stopFn(backend)
	return w.loop(ctx, backend)
}

func (w *Watcher) poll(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.opts.Sink.PathsUpdated(nil, true)
		}
	}
}

func (w *Watcher) loop(ctx context.Context, backend chan notify.EventInfo) error {
	pending := make(map[string]struct{})
	overflow := false

	settle := time.NewTimer(w.opts.Settle)
	if !settle.Stop() {
		<-settle.C
	}
	armed := false

	for {
		if len(backend) == cap(backend) {
			drain(backend)
			overflow = true
		}

		select {
		case <-ctx.Done():
			settle.Stop()
			return nil

		case ev := <-backend:
			rel, ok := w.relative(ev.Path())
			if !ok || w.opts.Root.Excluded(rel) {
				continue
			}
			if !overflow {
				pending[rel] = struct{}{}
				if len(pending) > w.opts.MaxPending {
					overflow = true
				}
			}
			if !armed {
				settle.Reset(w.opts.Settle)
				armed = true
			}

		case <-settle.C:
			armed = false
			if overflow {
				w.opts.Logger.Printf("watch: event overflow, requesting full rescan")
				w.opts.Sink.PathsUpdated(nil, true)
			} else if len(pending) > 0 {
				w.opts.Sink.PathsUpdated(sortedKeys(pending), false)
			}
			pending = make(map[string]struct{})
			overflow = false
		}
	}
}

// relative maps a notification path to its root-relative form. Events for
// the root itself are dropped.
func (w *Watcher) relative(abs string) (string, bool) {
	for _, base := range []string{w.opts.Root.Dir(), w.resolved} {
		within, err := filepath.Rel(base, abs)
		if err != nil || within == "." || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
			continue
		}
		rel, err := fsroot.Clean(filepath.ToSlash(within))
		if err != nil {
			continue
		}
		return rel, true
	}
	return "", false
}

func drain(c chan notify.EventInfo) {
	for {
		select {
		case <-c:
		default:
			return
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
