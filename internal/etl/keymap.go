package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/BartekS5/totesys-etl/internal/storage"
)

// KeyEntry is the surrogate key assigned to one natural key, plus the source
// last_updated of the version the dimension row currently reflects.
type KeyEntry struct {
	Key           int64     `json:"key"`
	SourceUpdated time.Time `json:"source_updated"`
}

// KeyMap is the persisted natural key to surrogate key mapping of one
// dimension. Entries are never removed or renumbered.
type KeyMap struct {
	Dimension string             `json:"dimension"`
	NextKey   int64              `json:"next_key"`
	Keys      map[int64]KeyEntry `json:"keys"`
}

func newKeyMap(dim string) *KeyMap {
	return &KeyMap{Dimension: dim, NextKey: 1, Keys: make(map[int64]KeyEntry)}
}

// Lookup returns the surrogate key of natural.
func (m *KeyMap) Lookup(natural int64) (int64, bool) {
	e, ok := m.Keys[natural]
	return e.Key, ok
}

// Upsert returns natural's surrogate key, assigning the next one when it is
// new. apply reports whether a version last updated at updated is at least
// as recent as the one already reflected, so its attributes should win.
func (m *KeyMap) Upsert(natural int64, updated time.Time) (key int64, apply bool) {
	e, ok := m.Keys[natural]
	if !ok {
		e = KeyEntry{Key: m.NextKey, SourceUpdated: updated}
		m.NextKey++
		m.Keys[natural] = e
		return e.Key, true
	}
	if updated.Before(e.SourceUpdated) {
		return e.Key, false
	}
	e.SourceUpdated = updated
	m.Keys[natural] = e
	return e.Key, true
}

func (m *KeyMap) validate() error {
	seen := make(map[int64]int64, len(m.Keys))
	for nk, e := range m.Keys {
		if e.Key <= 0 || e.Key >= m.NextKey {
			return Contractf("keymap %s: key %d for %d outside [1,%d)", m.Dimension, e.Key, nk, m.NextKey)
		}
		if other, dup := seen[e.Key]; dup {
			return Contractf("keymap %s: key %d assigned to both %d and %d", m.Dimension, e.Key, other, nk)
		}
		seen[e.Key] = nk
	}
	return nil
}

// naturalKeys returns the mapped natural keys in surrogate key order.
func (m *KeyMap) naturalKeys() []int64 {
	out := make([]int64, 0, len(m.Keys))
	for nk := range m.Keys {
		out = append(out, nk)
	}
	sort.Slice(out, func(i, j int) bool { return m.Keys[out[i]].Key < m.Keys[out[j]].Key })
	return out
}

func loadKeyMap(ctx context.Context, store storage.ObjectStore, bucket, dim string) (*KeyMap, bool, error) {
	data, err := store.Get(ctx, bucket, keymapKey(dim))
	if errors.Is(err, storage.ErrNotFound) {
		return newKeyMap(dim), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read keymap %s: %w", dim, err)
	}
	m := newKeyMap(dim)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, false, Contractf("decode keymap %s: %v", dim, err)
	}
	if m.Keys == nil {
		m.Keys = make(map[int64]KeyEntry)
	}
	if err := m.validate(); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func encodeKeyMap(m *KeyMap) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
