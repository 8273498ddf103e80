package hub

import (
	"context"
	"sync"
	"time"
)

// TickSource calls subscribed functions on a regular cadence. Subscribe
// returns a function that removes the subscription.
type TickSource interface {
	Subscribe(fn func()) (unsubscribe func())
}

// TickLoop is a TickSource backed by a time.Ticker. All callbacks run on the
// goroutine executing Run, in subscription order.
type TickLoop struct {
	interval time.Duration

	mu     sync.Mutex
	nextID int
	subs   map[int]func()
	order  []int
}

// NewTickLoop creates a loop that fires every interval.
func NewTickLoop(interval time.Duration) *TickLoop {
	return &TickLoop{interval: interval, subs: make(map[int]func())}
}

func (l *TickLoop) Subscribe(fn func()) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = fn
	l.order = append(l.order, id)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs, id)
			for i, v := range l.order {
				if v == id {
					l.order = append(l.order[:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Len returns the number of live subscriptions.
func (l *TickLoop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// Tick runs every subscription once.
func (l *TickLoop) Tick() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.subs[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Run ticks until ctx is cancelled.
func (l *TickLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}
