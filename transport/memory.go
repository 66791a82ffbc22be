package transport

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Memory is an in-process Session. Every responder declared on a key receives each query
// sent to that key on its own goroutine.
type Memory struct {
	mu         sync.RWMutex
	responders map[string]map[uint64]func(Query)
	nextID     uint64
	closed     bool
	logger     *log.Logger
}

func NewMemory() *Memory {
	return &Memory{
		responders: make(map[string]map[uint64]func(Query)),
		logger:     log.Default().With("transport", "memory"),
	}
}

func (m *Memory) DeclareResponder(key string, handler func(Query)) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrSessionClosed
	}
	m.nextID++
	id := m.nextID
	if m.responders[key] == nil {
		m.responders[key] = make(map[uint64]func(Query))
	}
	m.responders[key][id] = handler
	return &memoryRegistration{bus: m, key: key, id: id}, nil
}

func (m *Memory) Get(ctx context.Context, key string, payload []byte, timeout time.Duration) (<-chan Reply, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrSessionClosed
	}
	handlers := make([]func(Query), 0, len(m.responders[key]))
	for _, h := range m.responders[key] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	call := NewReplyStream()
	if len(handlers) == 0 {
		call.Finish()
		return call.C(), nil
	}

	var body []byte
	if payload != nil {
		body = append([]byte{}, payload...)
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		q := &memoryQuery{key: key, payload: body, hasPayload: payload != nil, call: call}
		go func(h func(Query)) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("responder panicked", "key", key, "panic", r)
				}
			}()
			h(q)
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	go func() {
		var expired <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-done:
		case <-expired:
		case <-ctx.Done():
		}
		call.Finish()
	}()

	return call.C(), nil
}

// Close drops every responder. Queries in flight still complete.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.responders = make(map[string]map[uint64]func(Query))
	return nil
}

type memoryRegistration struct {
	bus  *Memory
	key  string
	id   uint64
	once sync.Once
}

func (r *memoryRegistration) Close() error {
	r.once.Do(func() {
		r.bus.mu.Lock()
		defer r.bus.mu.Unlock()
		delete(r.bus.responders[r.key], r.id)
		if len(r.bus.responders[r.key]) == 0 {
			delete(r.bus.responders, r.key)
		}
	})
	return nil
}

type memoryQuery struct {
	key        string
	payload    []byte
	hasPayload bool
	call       *ReplyStream
}

func (q *memoryQuery) Key() string {
	return q.key
}

func (q *memoryQuery) Payload() ([]byte, bool) {
	return q.payload, q.hasPayload
}

func (q *memoryQuery) Reply(payload []byte) error {
	return q.call.Send(Reply{Payload: append([]byte{}, payload...)})
}

func (q *memoryQuery) ReplyError(payload []byte) error {
	return q.call.Send(Reply{Payload: append([]byte{}, payload...), Err: true})
}
