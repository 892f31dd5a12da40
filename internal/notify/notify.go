// Package notify tells workers that a queue has draft lines waiting, so they
// can start a dispatch cycle without waiting for the next poll tick. Signals
// are hints: a lost signal only delays work until the next poll.
package notify

import (
	"context"
	"sync"

	"syncqueue/internal/domain"
)

type Signal struct {
	TenantID domain.TenantID `json:"tenant_id"`
	QueueID  domain.QueueID  `json:"queue_id"`
}

type Notifier interface {
	Publish(ctx context.Context, sig Signal) error
	Subscribe(ctx context.Context) (<-chan Signal, error)
	Close() error
}

// Nop drops every signal; workers fall back to polling.
type Nop struct{}

func (Nop) Publish(context.Context, Signal) error { return nil }

func (Nop) Subscribe(ctx context.Context) (<-chan Signal, error) {
	ch := make(chan Signal)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (Nop) Close() error { return nil }

// Local fans signals out to in-process subscribers. A subscriber whose buffer
// is full misses the signal rather than blocking the publisher.
type Local struct {
	mu     sync.Mutex
	subs   map[chan Signal]struct{}
	buffer int
	closed bool
}

func NewLocal(buffer int) *Local {
	if buffer <= 0 {
		buffer = 64
	}
	return &Local{subs: make(map[chan Signal]struct{}), buffer: buffer}
}

func (l *Local) Publish(_ context.Context, sig Signal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- sig:
		default:
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context) (<-chan Signal, error) {
	ch := make(chan Signal, l.buffer)
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		close(ch)
		return ch, nil
	}
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.remove(ch)
	}()
	return ch, nil
}

func (l *Local) remove(ch chan Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[ch]; ok {
		delete(l.subs, ch)
		close(ch)
	}
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for ch := range l.subs {
		delete(l.subs, ch)
		close(ch)
	}
	return nil
}
