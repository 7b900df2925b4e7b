// Package store persists ghostclick state in a key-value store.
//
// Values are JSON documents. The three durable records live under fixed keys:
// the macro collection, the recording journal and the playback progress.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Keys of the durable records.
const (
	MacrosKey         = "macros"
	RecordingStateKey = "recordingState"
	PlaybackStateKey  = "playbackState"
	TabsKey           = "tabs"
)

// KV is the durable key-value store every repository is built on.
type KV interface {
	// Get decodes the value stored at key into v. It reports false when the
	// key is absent.
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Remove(ctx context.Context, key string) error
}

// MemoryKV is a KV held in process memory. Values are stored encoded, so
// callers never share structure with the store.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV returns an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(ctx context.Context, key string, v any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	raw, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}
