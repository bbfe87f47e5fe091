// Package discovery finds Harmony hubs on the local network. Hubs answer a
// broadcast ping by connecting back to a reply listener and writing one
// announcement line; the engine collects announcements for a fixed window,
// deduplicates by hub id, and coalesces concurrent callers into a single
// scan.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadrwalters/harmonyctl/internal/harmony"
)

// DefaultWindow is how long one scan collects announcements.
const DefaultWindow = 60 * time.Second

// Announcement is one raw hub descriptor as it arrived off the wire.
type Announcement struct {
	Fields map[string]string
}

// Listener is an active announcement source. Close must release every
// resource the listener holds (sockets, timers, subscriptions) and is safe
// to call on every exit path.
type Listener interface {
	Announcements() <-chan Announcement
	Errors() <-chan error
	Close() error
}

// ListenFunc opens a listener. The engine uses one per scan.
type ListenFunc func() (Listener, error)

// Prefetcher fetches a hub's configuration so a successful scan can warm
// the cache as a side effect.
type Prefetcher interface {
	PrefetchConfig(ctx context.Context, hub harmony.Hub)
}

type flight struct {
	done chan struct{}
	hubs []harmony.Hub
	err  error
}

type Engine struct {
	listen   ListenFunc
	log      zerolog.Logger
	prefetch Prefetcher

	Window time.Duration

	// OnProgress, when set, is called once per unique hub as its
	// announcement arrives, before the scan completes. Only the caller that
	// started the scan observes progress; joiners get the final list.
	OnProgress func(harmony.Hub)

	mu       sync.Mutex
	inflight *flight
}

// NewEngine builds an engine over the given listener source. prefetch may
// be nil.
func NewEngine(listen ListenFunc, prefetch Prefetcher, log zerolog.Logger) *Engine {
	return &Engine{
		listen:   listen,
		prefetch: prefetch,
		log:      log,
		Window:   DefaultWindow,
	}
}

// Discover runs one scan and returns the deduplicated hub list. If a scan
// is already in flight the caller joins it and receives the identical
// result instead of starting a second listener.
func (e *Engine) Discover(ctx context.Context) ([]harmony.Hub, error) {
	e.mu.Lock()
	if f := e.inflight; f != nil {
		e.mu.Unlock()
		e.log.Debug().Msg("joining in-flight discovery")
		<-f.done
		return f.hubs, f.err
	}
	f := &flight{done: make(chan struct{})}
	e.inflight = f
	e.mu.Unlock()

	f.hubs, f.err = e.scan(ctx)

	e.mu.Lock()
	e.inflight = nil
	e.mu.Unlock()
	close(f.done)

	return f.hubs, f.err
}

func (e *Engine) scan(ctx context.Context) ([]harmony.Hub, error) {
	l, err := e.listen()
	if err != nil {
		return nil, &harmony.NetworkError{Op: "open discovery listener", Err: err}
	}
	defer l.Close()

	e.log.Info().Dur("window", e.Window).Msg("discovery started")

	timer := time.NewTimer(e.Window)
	defer timer.Stop()

	seen := make(map[string]bool)
	var hubs []harmony.Hub

	for {
		select {
		case ann, ok := <-l.Announcements():
			if !ok {
				return e.finish(ctx, hubs)
			}
			hub, err := harmony.HubFromAnnouncement(ann.Fields)
			if err != nil {
				e.log.Debug().Err(err).Msg("ignoring malformed announcement")
				continue
			}
			if seen[hub.ID] {
				continue
			}
			seen[hub.ID] = true
			hubs = append(hubs, hub)
			e.log.Info().Str("hub", hub.FriendlyName).Str("ip", hub.IP).Msg("hub found")
			if e.OnProgress != nil {
				e.OnProgress(hub)
			}
		case err := <-l.Errors():
			e.log.Error().Err(err).Msg("discovery listener failed")
			return nil, &harmony.NetworkError{Op: "discovery listener", Err: err}
		case <-timer.C:
			return e.finish(ctx, hubs)
		case <-ctx.Done():
			return e.finish(ctx, hubs)
		}
	}
}

// finish logs the scan outcome and warms the cache with the first hub's
// configuration. Prefetch failure never fails the scan.
func (e *Engine) finish(ctx context.Context, hubs []harmony.Hub) ([]harmony.Hub, error) {
	e.log.Info().Int("found", len(hubs)).Msg("discovery complete")
	if len(hubs) > 0 && e.prefetch != nil {
		e.prefetch.PrefetchConfig(ctx, hubs[0])
	}
	return hubs, nil
}
