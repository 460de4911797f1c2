package limiter

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
}

// Memory is an in-process limiter with the same semantics as PG.
type Memory struct {
	mu       sync.Mutex
	m        map[string]*entry
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-process limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{m: map[string]*entry{}, window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now}
}

func (l *Memory) Allow(_ context.Context, k Key) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[k.id()]
	if !ok {
		return true, 0, nil
	}
	if now := l.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (l *Memory) Success(_ context.Context, k Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, k.id())
	return nil
}

func (l *Memory) Failure(_ context.Context, k Key) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.m[k.id()]
	if !ok || now.Sub(e.updatedAt) > l.window {
		e = &entry{}
		l.m[k.id()] = e
	}
	e.fails++
	e.updatedAt = now
	if e.fails < l.maxFails {
		return false, 0, nil
	}
	e.blockedUntil = now.Add(l.blockFor)
	return true, l.blockFor, nil
}
