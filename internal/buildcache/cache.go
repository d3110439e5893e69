// Package buildcache stores encoded documents by plan digest. Export is
// deterministic, so a document built once can be served again for the same
// plan.
package buildcache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"

	"voxelstruct.ai/internal/mcstructure"
)

// Entry is one cached build. Document is the uncompressed NBT.
type Entry struct {
	Size       mcstructure.Vec3 `json:"size"`
	PaletteLen int              `json:"palette_len"`
	Document   []byte           `json:"document"`
}

// Cache looks entries up by plan digest. A miss is (Entry{}, false, nil).
type Cache interface {
	Get(ctx context.Context, digest string) (Entry, bool, error)
	Put(ctx context.Context, digest string, e Entry) error
}

func encodeEntry(e Entry) ([]byte, error) { return json.Marshal(e) }

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	err := json.Unmarshal(b, &e)
	return e, err
}

// Memory is a bounded in-process cache that evicts the least recently used
// entry once maxBytes of documents are held.
type Memory struct {
	maxBytes int

	mu    sync.Mutex
	bytes int
	order *list.List // front = most recent
	items map[string]*list.Element
}

type memItem struct {
	digest string
	entry  Entry
}

func NewMemory(maxBytes int) *Memory {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &Memory{maxBytes: maxBytes, order: list.New(), items: map[string]*list.Element{}}
}

func (m *Memory) Get(_ context.Context, digest string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[digest]
	if !ok {
		return Entry{}, false, nil
	}
	m.order.MoveToFront(el)
	return el.Value.(*memItem).entry, true, nil
}

func (m *Memory) Put(_ context.Context, digest string, e Entry) error {
	if len(e.Document) > m.maxBytes {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[digest]; ok {
		m.bytes -= len(el.Value.(*memItem).entry.Document)
		m.order.Remove(el)
		delete(m.items, digest)
	}
	m.items[digest] = m.order.PushFront(&memItem{digest: digest, entry: e})
	m.bytes += len(e.Document)
	for m.bytes > m.maxBytes {
		last := m.order.Back()
		it := last.Value.(*memItem)
		m.order.Remove(last)
		delete(m.items, it.digest)
		m.bytes -= len(it.entry.Document)
	}
	return nil
}

// Len reports the number of cached entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
