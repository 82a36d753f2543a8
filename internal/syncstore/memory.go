package syncstore

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const updateQueueSize = 64

// Memory is an in-process store hub shared by any number of handles.
// Writes are serialized by a single mutex, which is what gives every
// key its last-writer-wins order. Updates fan out to every handle
// connected to the namespace, including the writer's own — appliers
// must be idempotent, and the protocol's full-replacement values are.
type Memory struct {
	mu         sync.Mutex
	namespaces map[string]Value
	handles    map[*memoryHandle]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		namespaces: make(map[string]Value),
		handles:    make(map[*memoryHandle]struct{}),
	}
}

// Handle returns a new client handle with its own update stream.
func (m *Memory) Handle() Store {
	h := &memoryHandle{
		hub:       m,
		connected: make(map[string]bool),
		updates:   make(chan Update, updateQueueSize),
	}
	m.mu.Lock()
	m.handles[h] = struct{}{}
	m.mu.Unlock()
	return h
}

func (m *Memory) connect(h *memoryHandle, namespace string, def Value) Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = def.Clone()
		m.namespaces[namespace] = ns
	}
	h.connected[namespace] = true
	return ns.Clone()
}

func (m *Memory) setPartial(namespace string, partial Value) {
	m.mu.Lock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(Value)
		m.namespaces[namespace] = ns
	}
	changed := make(Value, len(partial))
	for k, raw := range partial {
		ns[k] = raw
		changed[k] = raw
	}
	targets := make([]*memoryHandle, 0, len(m.handles))
	for h := range m.handles {
		if h.connected[namespace] {
			targets = append(targets, h)
		}
	}
	m.mu.Unlock()
	for _, h := range targets {
		select {
		case h.updates <- Update{Namespace: namespace, Changed: changed}:
		default:
			log.Warn().Str("module", "syncstore.memory").Str("ns", namespace).Msg("slow handle, dropping update")
		}
	}
}

func (m *Memory) get(namespace string) (Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		return nil, false
	}
	return ns.Clone(), true
}

type memoryHandle struct {
	hub       *Memory
	mu        sync.Mutex
	connected map[string]bool
	closed    bool
	updates   chan Update
}

func (h *memoryHandle) Connect(ctx context.Context, namespace string, def Value) (Value, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrStoreClosed
	}
	h.mu.Unlock()
	return h.hub.connect(h, namespace, def), nil
}

func (h *memoryHandle) SetPartial(ctx context.Context, namespace string, partial Value) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrStoreClosed
	}
	if !h.connected[namespace] {
		h.mu.Unlock()
		return ErrNotConnected
	}
	h.mu.Unlock()
	h.hub.setPartial(namespace, partial)
	return nil
}

func (h *memoryHandle) Get(ctx context.Context, namespace string) (Value, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrStoreClosed
	}
	if !h.connected[namespace] {
		h.mu.Unlock()
		return nil, ErrNotConnected
	}
	h.mu.Unlock()
	v, ok := h.hub.get(namespace)
	if !ok {
		return nil, ErrNotConnected
	}
	return v, nil
}

func (h *memoryHandle) Updates() <-chan Update { return h.updates }

func (h *memoryHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	h.hub.mu.Lock()
	delete(h.hub.handles, h)
	h.hub.mu.Unlock()
	return nil
}
