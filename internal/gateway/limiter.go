package gateway

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds concurrent device sessions per host and across the fleet.
// A zero bound disables that limit.
type Limiter struct {
	fleet   *semaphore.Weighted
	perHost int64

	mu    sync.Mutex
	hosts map[string]*hostSlot
}

type hostSlot struct {
	sem  *semaphore.Weighted
	refs int
}

// NewLimiter creates a limiter
func NewLimiter(maxSessions, maxPerHost int64) *Limiter {
	l := &Limiter{
		perHost: maxPerHost,
		hosts:   make(map[string]*hostSlot),
	}
	if maxSessions > 0 {
		l.fleet = semaphore.NewWeighted(maxSessions)
	}
	return l
}

// Acquire blocks until a slot for host is free or ctx is done.
// The returned release func must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context, host string) (func(), error) {
	var slot *hostSlot
	if l.perHost > 0 {
		slot = l.ref(host)
		if err := slot.sem.Acquire(ctx, 1); err != nil {
			l.unref(host)
			return nil, err
		}
	}

	if l.fleet != nil {
		if err := l.fleet.Acquire(ctx, 1); err != nil {
			if slot != nil {
				slot.sem.Release(1)
				l.unref(host)
			}
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if l.fleet != nil {
				l.fleet.Release(1)
			}
			if slot != nil {
				slot.sem.Release(1)
				l.unref(host)
			}
		})
	}, nil
}

func (l *Limiter) ref(host string) *hostSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.hosts[host]
	if !ok {
		slot = &hostSlot{sem: semaphore.NewWeighted(l.perHost)}
		l.hosts[host] = slot
	}
	slot.refs++
	return slot
}

func (l *Limiter) unref(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.hosts[host]
	if !ok {
		return
	}
	slot.refs--
	if slot.refs <= 0 {
		delete(l.hosts, host)
	}
}

// trackedHosts is the number of hosts with waiting or active callers
func (l *Limiter) trackedHosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}
