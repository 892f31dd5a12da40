package notify

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestLocalPublishSubscribe(t *testing.T) {
	n := NewLocal(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := n.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	want := Signal{TenantID: "t1", QueueID: "q1"}
	if err := n.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for signal")
	}
}

func TestLocalPublishNeverBlocks(t *testing.T) {
	n := NewLocal(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := n.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = n.Publish(ctx, Signal{TenantID: "t", QueueID: "q"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full subscriber")
	}
}

func TestLocalSubscriptionClosesWithContext(t *testing.T) {
	n := NewLocal(1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := n.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed after cancel")
	}
}

func TestNopSubscribeCloses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := Nop{}.Subscribe(ctx)
	cancel()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("nop subscription not closed")
	}
}

func TestNewRedisRequiresAddr(t *testing.T) {
	if _, err := NewRedis(&redis.Options{}, ""); err == nil {
		t.Fatalf("expected error for empty address")
	}
	r, err := NewRedis(&redis.Options{Addr: "127.0.0.1:6379"}, "")
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer r.Close()
	if r.Channel != DefaultChannel {
		t.Fatalf("channel=%q, want %q", r.Channel, DefaultChannel)
	}
}

func TestDecodeSignal(t *testing.T) {
	sig, err := decodeSignal(`{"tenant_id":"t1","queue_id":"q1"}`)
	if err != nil || sig.TenantID != "t1" || sig.QueueID != "q1" {
		t.Fatalf("decode: %+v %v", sig, err)
	}
	if _, err := decodeSignal(`{"tenant_id":"t1"}`); err == nil {
		t.Fatalf("expected error for missing queue")
	}
	if _, err := decodeSignal(`nope`); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}
