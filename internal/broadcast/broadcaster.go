package broadcast

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultKeepAlive = 30 * time.Second
	// subscriberBuffer absorbs bursts of step events while the listener's
	// write is in flight. A subscriber that falls this far behind is
	// considered broken and is dropped.
	subscriberBuffer = 16
)

// Broadcaster is a process-wide registry mapping an audit ID to the live
// notification channel of its single listener. It is safe for concurrent
// register/unregister/publish from independent pipeline runs and listener
// connections. Lifetime is tied to the service process; nothing persists.
type Broadcaster struct {
	mu        sync.Mutex
	subs      map[string]*subscription
	keepAlive time.Duration
	logger    *zap.Logger
}

type subscription struct {
	ch   chan Event
	done chan struct{}
}

// New builds a Broadcaster. keepAlive controls the cadence of the idle
// keep-alive tick sent on every open channel.
func New(keepAlive time.Duration, logger *zap.Logger) *Broadcaster {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:      make(map[string]*subscription),
		keepAlive: keepAlive,
		logger:    logger,
	}
}

// Register opens a channel for the given audit ID, replacing (and closing)
// any prior channel for that ID. The returned channel is closed when the
// subscription is unregistered. A per-subscription keep-alive tick is
// emitted independently of pipeline events.
func (b *Broadcaster) Register(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; ok {
		b.unregisterLocked(id)
	}
	sub := &subscription{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	b.subs[id] = sub
	go b.keepAliveLoop(id, sub)
	return sub.ch
}

// Unregister removes and closes the current channel for the given audit ID,
// whoever owns it. It is idempotent: unknown IDs are a no-op.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unregisterLocked(id)
}

// Release removes the subscription identified by ch, but only while it is
// still the registered listener for id. A listener replaced by a later
// Register must clean up with Release, not Unregister, or it would tear
// down its replacement's live subscription.
func (b *Broadcaster) Release(id string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; !ok || sub.ch != ch {
		return
	}
	b.unregisterLocked(id)
}

// Publish delivers an event to the listener of the given audit ID, if any.
// It is best-effort and never blocks: no listener means a silent no-op, and
// a listener that stopped draining its channel is unregistered as a side
// effect. Per-ID ordering is preserved while the channel stays open.
func (b *Broadcaster) Publish(id string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	select {
	case sub.ch <- evt:
	default:
		b.logger.Warn("dropping stalled progress listener", zap.String("audit_id", id))
		b.unregisterLocked(id)
	}
}

func (b *Broadcaster) unregisterLocked(id string) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.done)
	close(sub.ch)
}

func (b *Broadcaster) keepAliveLoop(id string, sub *subscription) {
	ticker := time.NewTicker(b.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			b.publishKeepAlive(id, sub)
		}
	}
}

// publishKeepAlive sends a tick only to the subscription that owns this
// loop, so a replaced listener never receives a stale loop's ticks.
func (b *Broadcaster) publishKeepAlive(id string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if current, ok := b.subs[id]; !ok || current != sub {
		return
	}
	select {
	case sub.ch <- Event{keepAlive: true}:
	default:
		b.logger.Warn("keep-alive undeliverable, dropping listener", zap.String("audit_id", id))
		b.unregisterLocked(id)
	}
}
