package store

import (
	"context"
	"encoding/json"
	"sync"
)

// Memory is an in-process Store. It backs tests and local runs without
// external services, with the same query and watch semantics as the
// Postgres implementation.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	watchers    map[int]*memWatcher
	nextWatcher int
}

type memWatcher struct {
	query  Query
	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func NewMemory() *Memory {
	return &Memory{
		collections: map[string]map[string]map[string]any{},
		watchers:    map[int]*memWatcher{},
	}
}

func (m *Memory) Get(_ context.Context, collection, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.collections[collection][id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return Document{Collection: collection, ID: id, Data: deepCopy(data)}, nil
}

func (m *Memory) Set(_ context.Context, collection, id string, data map[string]any, merge bool) error {
	m.mu.Lock()
	m.applySet(collection, id, data, merge)
	m.mu.Unlock()
	m.notifyCollection(collection)
	return nil
}

func (m *Memory) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	delete(m.collections[collection], id)
	m.mu.Unlock()
	m.notifyCollection(collection)
	return nil
}

func (m *Memory) Find(_ context.Context, q Query) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runQuery(q), nil
}

func (m *Memory) Watch(_ context.Context, q Query) (<-chan Event, UnsubscribeFunc, error) {
	w := &memWatcher{
		query:  q,
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = w
	m.mu.Unlock()

	// Initial snapshot, then one recomputation per coalesced change.
	w.notify <- struct{}{}
	go func() {
		for {
			select {
			case <-w.done:
				return
			case <-w.notify:
			}
			m.mu.RLock()
			docs := m.runQuery(q)
			m.mu.RUnlock()
			select {
			case w.out <- Event{Docs: docs}:
			case <-w.done:
				return
			}
		}
	}()

	unsubscribe := func() {
		w.once.Do(func() {
			close(w.done)
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
	return w.out, unsubscribe, nil
}

func (m *Memory) Batch(_ context.Context, ops []Op) error {
	m.mu.Lock()
	touched := map[string]struct{}{}
	for _, op := range ops {
		if op.Delete {
			delete(m.collections[op.Collection], op.ID)
		} else {
			m.applySet(op.Collection, op.ID, op.Data, op.Merge)
		}
		touched[op.Collection] = struct{}{}
	}
	m.mu.Unlock()
	for collection := range touched {
		m.notifyCollection(collection)
	}
	return nil
}

// applySet requires m.mu held for writing.
func (m *Memory) applySet(collection, id string, data map[string]any, merge bool) {
	docs, ok := m.collections[collection]
	if !ok {
		docs = map[string]map[string]any{}
		m.collections[collection] = docs
	}
	if merge {
		if existing, ok := docs[id]; ok {
			merged := deepCopy(existing)
			for key, value := range deepCopy(data) {
				merged[key] = value
			}
			docs[id] = merged
			return
		}
	}
	docs[id] = deepCopy(data)
}

// runQuery requires m.mu held at least for reading.
func (m *Memory) runQuery(q Query) []Document {
	var docs []Document
	for id, data := range m.collections[q.Collection] {
		doc := Document{Collection: q.Collection, ID: id, Data: data}
		if matchesQuery(doc, q) {
			docs = append(docs, Document{Collection: q.Collection, ID: id, Data: deepCopy(data)})
		}
	}
	return sortAndLimit(docs, q)
}

func (m *Memory) notifyCollection(collection string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if w.query.Collection != collection {
			continue
		}
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

// deepCopy keeps stored documents isolated from caller mutations. All
// document values are JSON-shaped, so a marshal round-trip is exact.
func deepCopy(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}
