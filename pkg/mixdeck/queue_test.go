package mixdeck

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := newQueue[int](4)

	for i := 1; i <= 3; i++ {
		if err := q.send(ctx, i); err != nil {
			t.Fatalf("send(%d): %v", i, err)
		}
	}

	for want := 1; want <= 3; want++ {
		got, err := q.receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if got != want {
			t.Fatalf("receive = %d, want %d", got, want)
		}
	}
}

func TestQueueTrySendFull(t *testing.T) {
	q := newQueue[int](1)

	if err := q.trySend(1); err != nil {
		t.Fatalf("first trySend: %v", err)
	}

	if err := q.trySend(2); !errors.Is(err, errQueueFull) {
		t.Fatalf("trySend on full queue = %v, want errQueueFull", err)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	ctx := context.Background()
	q := newQueue[string](4)

	q.send(ctx, "a")
	q.send(ctx, "b")
	q.close()

	if err := q.send(ctx, "c"); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("send after close = %v, want ErrChannelClosed", err)
	}
	if err := q.trySend("c"); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("trySend after close = %v, want ErrChannelClosed", err)
	}

	for _, want := range []string{"a", "b"} {
		got, err := q.receive(ctx)
		if err != nil || got != want {
			t.Fatalf("receive = %q, %v; want %q", got, err, want)
		}
	}

	if _, err := q.receive(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("receive on drained queue = %v, want ErrChannelClosed", err)
	}

	// closing twice is fine
	q.close()
}

func TestQueueCloseUnblocksSender(t *testing.T) {
	q := newQueue[int](1)
	q.send(context.Background(), 1)

	result := make(chan error, 1)
	go func() {
		result <- q.send(context.Background(), 2)
	}()

	time.Sleep(20 * time.Millisecond)
	q.close()

	select {
	case err := <-result:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("blocked send = %v, want ErrChannelClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked send did not return after close")
	}
}

func TestQueueReceiveContext(t *testing.T) {
	q := newQueue[int](1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("receive on empty queue = %v, want context.DeadlineExceeded", err)
	}
}
