package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// DefaultListCapacity is the capacity used when NewCappedList gets a
// non-positive value.
const DefaultListCapacity = 1000

// KeyedMutex serializes read-modify-write sequences per store key.
// The zero value is ready to use.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock acquires the lock for key and returns its release function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// CappedList is a FIFO list of JSON-encoded items stored under a single key.
// When an append would exceed the capacity, the oldest items are evicted.
// Every mutation is a load-modify-save sequence serialized by the KeyedMutex.
type CappedList[T any] struct {
	store    Store
	key      string
	capacity int
	locks    *KeyedMutex
}

// NewCappedList creates a list stored under key. Lists sharing a store should
// share locks; a nil locks value gives the list a private one.
func NewCappedList[T any](store Store, key string, capacity int, locks *KeyedMutex) *CappedList[T] {
	if capacity <= 0 {
		capacity = DefaultListCapacity
	}
	if locks == nil {
		locks = &KeyedMutex{}
	}
	return &CappedList[T]{
		store:    store,
		key:      key,
		capacity: capacity,
		locks:    locks,
	}
}

// Capacity returns the maximum number of retained items.
func (l *CappedList[T]) Capacity() int {
	return l.capacity
}

// Append adds items to the tail and evicts from the head until the list fits
// its capacity. It returns how many items were evicted. A corrupt stored list
// is discarded and replaced.
func (l *CappedList[T]) Append(ctx context.Context, items ...T) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	unlock := l.locks.Lock(l.key)
	defer unlock()

	current, err := l.loadLocked(ctx)
	if err != nil && !errors.Is(err, errCorruptList) {
		return 0, err
	}

	current = append(current, items...)
	evicted := 0
	if len(current) > l.capacity {
		evicted = len(current) - l.capacity
		current = current[evicted:]
	}

	if err := l.saveLocked(ctx, current); err != nil {
		return 0, err
	}
	return evicted, nil
}

// Load returns all items, oldest first. A missing key yields an empty slice.
func (l *CappedList[T]) Load(ctx context.Context) ([]T, error) {
	unlock := l.locks.Lock(l.key)
	defer unlock()

	items, err := l.loadLocked(ctx)
	if errors.Is(err, errCorruptList) {
		return []T{}, err
	}
	return items, err
}

// RemoveIf deletes every item for which match returns true and reports how
// many were removed.
func (l *CappedList[T]) RemoveIf(ctx context.Context, match func(T) bool) (int, error) {
	unlock := l.locks.Lock(l.key)
	defer unlock()

	current, err := l.loadLocked(ctx)
	if err != nil {
		return 0, err
	}

	kept := current[:0]
	for _, item := range current {
		if !match(item) {
			kept = append(kept, item)
		}
	}
	removed := len(current) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if err := l.saveLocked(ctx, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// Len returns the number of stored items.
func (l *CappedList[T]) Len(ctx context.Context) (int, error) {
	items, err := l.Load(ctx)
	return len(items), err
}

// Clear removes the list entirely.
func (l *CappedList[T]) Clear(ctx context.Context) error {
	unlock := l.locks.Lock(l.key)
	defer unlock()
	return l.store.Remove(ctx, l.key)
}

var errCorruptList = errors.New("storage: corrupt list")

func (l *CappedList[T]) loadLocked(ctx context.Context) ([]T, error) {
	data, err := l.store.Get(ctx, l.key)
	if errors.Is(err, ErrNotFound) {
		return []T{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", l.key, err)
	}

	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return []T{}, fmt.Errorf("%w: %s: %v", errCorruptList, l.key, err)
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func (l *CappedList[T]) saveLocked(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return l.store.Remove(ctx, l.key)
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", l.key, err)
	}
	return l.store.Set(ctx, l.key, data)
}
