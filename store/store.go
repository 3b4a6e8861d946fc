// Package store keeps small pieces of client state (the patient roster, the
// last used device, the active patient) and tells subscribers when a key
// changes.
package store

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Store is a keyed JSON value store. Get reports false when the key is
// absent. Subscribers receive the new raw value after every change,
// including changes made by other processes for persistent stores.
type Store interface {
	Get(key string, dst any) (bool, error)
	Set(key string, v any) error
	Subscribe(key string, fn func(raw json.RawMessage)) (cancel func())
	Close() error
}

// Well known keys.
const (
	KeyRoster        = "roster"
	KeyLastDevice    = "last_device"
	KeyActivePatient = "active_patient"
)

// hub fans out change notifications. Callbacks run without the lock held.
type hub struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func(json.RawMessage)
}

func (h *hub) subscribe(key string, fn func(json.RawMessage)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[string]map[int]func(json.RawMessage))
	}
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]func(json.RawMessage))
	}
	id := h.next
	h.next++
	h.subs[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[key], id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(key string, raw json.RawMessage) {
	h.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(h.subs[key]))
	for _, fn := range h.subs[key] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

func decode(key string, raw json.RawMessage, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("store: decoding %q: %w", key, err)
	}
	return nil
}

func encode(key string, v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encoding %q: %w", key, err)
	}
	return raw, nil
}

// Memory is a process local Store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
	hub    hub
}

func NewMemory() *Memory {
	return &Memory{values: make(map[string]json.RawMessage)}
}

func (m *Memory) Get(key string, dst any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, decode(key, raw, dst)
}

func (m *Memory) Set(key string, v any) error {
	raw, err := encode(key, v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.values[key] = raw
	m.mu.Unlock()
	m.hub.publish(key, raw)
	return nil
}

func (m *Memory) Subscribe(key string, fn func(json.RawMessage)) func() {
	return m.hub.subscribe(key, fn)
}

func (m *Memory) Close() error { return nil }
