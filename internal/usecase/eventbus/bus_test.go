package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"rolechat/internal/domain"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New(slog.Default())

	var got atomic.Int32
	bus.Subscribe(domain.EventExchangeCompleted, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventExchangeCompleted {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), domain.NewEvent(domain.EventExchangeCompleted, "c1", nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventStreamDelta, "c1", nil))
	bus.Close()

	assert.Equal(t, int32(1), got.Load())
}

func TestSubscribeAll(t *testing.T) {
	bus := New(nil)

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), domain.NewEvent(domain.EventExchangeStarted, "c1", nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventExchangeFailed, "c1", nil))
	bus.Close()

	assert.Equal(t, int32(2), got.Load())
}

func TestUnsubscribe(t *testing.T) {
	bus := New(nil)

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventStreamDelta, func(_ context.Context, _ domain.Event) { got.Add(1) })
	unsub()
	unsub() // second call is a no-op

	bus.Publish(context.Background(), domain.NewEvent(domain.EventStreamDelta, "c1", nil))
	bus.Close()

	assert.Zero(t, got.Load())
}

func TestHandlerContextSurvivesCancel(t *testing.T) {
	bus := New(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var handlerErr error
	bus.Subscribe(domain.EventExchangeAborted, func(ctx context.Context, _ domain.Event) {
		defer wg.Done()
		handlerErr = ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, domain.NewEvent(domain.EventExchangeAborted, "c1", nil))
	wg.Wait()
	bus.Close()

	assert.NoError(t, handlerErr)
}

func TestPanickingHandlerRecovered(t *testing.T) {
	bus := New(nil)

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { panic("boom") })
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), domain.NewEvent(domain.EventStreamStalled, "c1", nil))
	bus.Close()

	assert.Equal(t, int32(1), got.Load())
}

func TestPublishAfterClose(t *testing.T) {
	bus := New(nil)

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })
	bus.Close()
	bus.Close()

	bus.Publish(context.Background(), domain.NewEvent(domain.EventExchangeStarted, "c1", nil))
	assert.Zero(t, got.Load())
}
