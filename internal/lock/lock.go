// Package lock serializes read-modify-write cycles per entity. Locks only
// reduce conflict retries; optimistic versioning in the store stays the
// correctness backstop, so a lost lock never corrupts state.
package lock

import (
	"context"
	"sync"

	"github.com/rcourtman/pulse-license-engine/pkg/licensing"
)

// Locker acquires a named lock. The returned func releases it and is safe to
// call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// LicenseKey serializes writes to a user's license.
func LicenseKey(userID string) string { return "license:" + userID }

// ActivationKey serializes consumption of one activation key. The lock name
// carries the key's fingerprint, never the key.
func ActivationKey(key string) string { return "activation-key:" + licensing.KeyFingerprint(key) }

// TxidKey serializes webhook deliveries for one txid.
func TxidKey(txid string) string { return "txid:" + txid }

// SubscriptionKey serializes cascades on one subscription.
func SubscriptionKey(subscriptionID string) string { return "subscription:" + subscriptionID }

// LocalLocker is an in-process keyed mutex. Entries are reference counted
// and removed once no goroutine holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker returns an empty keyed mutex.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, e, true) })
	}, nil
}

func (l *LocalLocker) release(key string, e *entry, held bool) {
	if held {
		<-e.ch
	}
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// size reports the number of tracked keys.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// Multi locks several keys in order and releases them in reverse.
func Multi(ctx context.Context, l Locker, keys ...string) (func(), error) {
	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		unlock, err := l.Lock(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}
