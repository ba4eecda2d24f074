// Package checkpoint persists the incremental extraction high-water mark and
// the lease that keeps two runs from advancing it at the same time.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrConflict means the stored value is not the one the caller started from.
	ErrConflict = errors.New("checkpoint changed since it was read")
	// ErrRegression means the new value is older than the stored one.
	ErrRegression = errors.New("checkpoint must not move backwards")
	// ErrLeaseHeld means another run owns the advancement lease.
	ErrLeaseHeld = errors.New("checkpoint lease held by another run")
)

// Store holds the "last checked" timestamp. A nil value means no run has
// ever completed and everything should be extracted.
type Store interface {
	Get(ctx context.Context) (*time.Time, error)
	// Advance sets the checkpoint to next provided the stored value still
	// equals prev. Advancing to the current value is a no-op.
	Advance(ctx context.Context, prev *time.Time, next time.Time) error
}

// Lease provides mutual exclusion between runs.
type Lease interface {
	Acquire(ctx context.Context, owner string, ttl time.Duration) error
	Release(ctx context.Context, owner string) error
}

// Overwriter is implemented by stores that allow an operator to force a value.
type Overwriter interface {
	Overwrite(ctx context.Context, value time.Time) error
}

func sameValue(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// checkAdvance validates a compare-and-set from current to next. Repeating
// an advance that already landed is a no-op.
func checkAdvance(current, prev *time.Time, next time.Time) (noop bool, err error) {
	if current != nil && current.Equal(next) {
		return true, nil
	}
	if !sameValue(current, prev) {
		return false, ErrConflict
	}
	if current != nil && next.Before(*current) {
		return false, ErrRegression
	}
	return false, nil
}

// MemoryStore is an in-process Store and Lease.
type MemoryStore struct {
	mu     sync.Mutex
	value  *time.Time
	holder string
	until  time.Time

	Now func() time.Time

	// Fault hooks for tests.
	GetErr     func() error
	AdvanceErr func() error
}

func NewMemoryStore(initial *time.Time) *MemoryStore {
	m := &MemoryStore{Now: time.Now}
	if initial != nil {
		v := initial.UTC()
		m.value = &v
	}
	return m
}

func (m *MemoryStore) Get(ctx context.Context) (*time.Time, error) {
	if m.GetErr != nil {
		if err := m.GetErr(); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.value == nil {
		return nil, nil
	}
	v := *m.value
	return &v, nil
}

func (m *MemoryStore) Advance(ctx context.Context, prev *time.Time, next time.Time) error {
	if m.AdvanceErr != nil {
		if err := m.AdvanceErr(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	noop, err := checkAdvance(m.value, prev, next)
	if err != nil || noop {
		return err
	}
	v := next.UTC()
	m.value = &v
	return nil
}

func (m *MemoryStore) Overwrite(ctx context.Context, value time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := value.UTC()
	m.value = &v
	return nil
}

func (m *MemoryStore) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if m.holder != "" && m.holder != owner && now.Before(m.until) {
		return ErrLeaseHeld
	}
	m.holder = owner
	m.until = now.Add(ttl)
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == owner {
		m.holder = ""
		m.until = time.Time{}
	}
	return nil
}
