package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seolens/audit-service/internal/audit"
)

func TestPublishToUnregisteredIDIsNoop(t *testing.T) {
	t.Parallel()

	b := New(time.Minute, nil)
	require.NotPanics(t, func() {
		b.Publish("missing", Progress(1, "hello"))
	})
}

func TestPublishDeliversInOrder(t *testing.T) {
	t.Parallel()

	b := New(time.Minute, nil)
	ch := b.Register("a1")

	b.Publish("a1", Progress(1, "Validating URL..."))
	b.Publish("a1", Progress(2, "Fetching webpage..."))

	first := <-ch
	second := <-ch
	require.Equal(t, 1, first.Step)
	require.Equal(t, TotalSteps, first.Total)
	require.Equal(t, "Validating URL...", first.Message)
	require.Equal(t, 2, second.Step)
}

func TestRegisterReplacesPriorChannel(t *testing.T) {
	t.Parallel()

	b := New(time.Minute, nil)
	old := b.Register("a1")
	replacement := b.Register("a1")

	// The replaced channel closes so its listener can exit.
	_, ok := <-old
	require.False(t, ok)

	b.Publish("a1", Progress(3, "only the second listener sees this"))
	evt := <-replacement
	require.Equal(t, 3, evt.Step)
}

func TestReleaseByReplacedListenerKeepsReplacement(t *testing.T) {
	t.Parallel()

	b := New(time.Minute, nil)
	old := b.Register("a1")
	replacement := b.Register("a1")

	// The replaced listener cleaning up after itself must not tear down
	// the live subscription that took over its ID.
	b.Release("a1", old)

	b.Publish("a1", Progress(4, "replacement is still subscribed"))
	evt := <-replacement
	require.Equal(t, 4, evt.Step)

	// Releasing the current owner removes it for real.
	b.Release("a1", replacement)
	_, ok := <-replacement
	require.False(t, ok)
	require.NotPanics(t, func() {
		b.Publish("a1", Failed("gone"))
	})
}

func TestUnregisterIdempotent(t *testing.T) {
	t.Parallel()

	b := New(time.Minute, nil)
	ch := b.Register("a1")
	b.Unregister("a1")
	b.Unregister("a1")

	_, ok := <-ch
	require.False(t, ok)

	// Publishing after unregister is a silent no-op.
	require.NotPanics(t, func() {
		b.Publish("a1", Failed("gone"))
	})
}

func TestStalledListenerIsDropped(t *testing.T) {
	t.Parallel()

	b := New(time.Minute, nil)
	ch := b.Register("a1")

	// Fill the buffer without draining, then overflow it.
	for i := 0; i < subscriberBuffer+1; i++ {
		b.Publish("a1", Progress(1, "spam"))
	}

	// The subscription was torn down: channel drains then closes.
	count := 0
	for range ch {
		count++
	}
	require.Equal(t, subscriberBuffer, count)

	b.mu.Lock()
	_, stillThere := b.subs["a1"]
	b.mu.Unlock()
	require.False(t, stillThere)
}

func TestKeepAliveTicks(t *testing.T) {
	t.Parallel()

	b := New(20*time.Millisecond, nil)
	ch := b.Register("a1")
	defer b.Unregister("a1")

	select {
	case evt := <-ch:
		require.True(t, evt.KeepAlive())
	case <-time.After(time.Second):
		t.Fatal("expected a keep-alive tick")
	}
}

func TestKeepAliveStopsAfterUnregister(t *testing.T) {
	t.Parallel()

	b := New(10*time.Millisecond, nil)
	b.Register("a1")
	b.Unregister("a1")

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.subs) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConcurrentPublishersAndListeners(t *testing.T) {
	t.Parallel()

	b := New(time.Minute, nil)

	for _, id := range []string{"a1", "a2", "a3"} {
		ch := b.Register(id)
		go func() {
			for range ch {
			}
		}()
		go func(id string) {
			for i := 1; i <= TotalSteps; i++ {
				b.Publish(id, Progress(i, "step"))
			}
			b.Publish(id, Completed(audit.Result{}))
			b.Unregister(id)
		}(id)
	}

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.subs) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventConstructors(t *testing.T) {
	t.Parallel()

	p := Progress(4, "Getting AI recommendations...")
	require.False(t, p.Terminal())
	require.False(t, p.KeepAlive())

	c := Completed(audit.Result{Metrics: audit.Metrics{H1Count: 1}})
	require.True(t, c.Terminal())
	require.Equal(t, audit.StatusCompleted, c.Status)
	require.NotNil(t, c.Results)

	f := Failed("invalid URL")
	require.True(t, f.Terminal())
	require.Equal(t, "invalid URL", f.Error)
	require.Nil(t, f.Results)
}
