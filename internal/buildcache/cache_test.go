package buildcache

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"voxelstruct.ai/internal/mcstructure"
)

func entry(n int) Entry {
	return Entry{Size: mcstructure.NewVec3(1, 1, n), PaletteLen: 1, Document: bytes.Repeat([]byte{0x0a}, n)}
}

func TestMemory_GetPut(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100)
	if _, ok, err := m.Get(ctx, "a"); ok || err != nil {
		t.Fatalf("empty cache hit=%v err=%v", ok, err)
	}
	if err := m.Put(ctx, "a", entry(10)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := m.Get(ctx, "a")
	if !ok || err != nil {
		t.Fatalf("Get hit=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(entry(10), got); diff != "" {
		t.Fatalf("entry (-want +got):\n%s", diff)
	}
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(100)
	_ = m.Put(ctx, "a", entry(40))
	_ = m.Put(ctx, "b", entry(40))
	_, _, _ = m.Get(ctx, "a")
	_ = m.Put(ctx, "c", entry(40))

	if _, ok, _ := m.Get(ctx, "b"); ok {
		t.Fatalf("b should have been evicted")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok, _ := m.Get(ctx, k); !ok {
			t.Fatalf("%s should be cached", k)
		}
	}

	// Replacing a key does not double count it.
	_ = m.Put(ctx, "a", entry(40))
	if m.Len() != 2 {
		t.Fatalf("len=%d", m.Len())
	}
	// Oversized documents are not cached.
	_ = m.Put(ctx, "big", entry(101))
	if _, ok, _ := m.Get(ctx, "big"); ok || m.Len() != 2 {
		t.Fatalf("oversized entry cached, len=%d", m.Len())
	}
}

func TestEntryEncoding(t *testing.T) {
	b, err := encodeEntry(entry(3))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeEntry(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(entry(3), got); diff != "" {
		t.Fatalf("entry (-want +got):\n%s", diff)
	}
	if _, err := decodeEntry([]byte("{")); err == nil {
		t.Fatalf("expected error for truncated entry")
	}
}

func TestNewRedis_Errors(t *testing.T) {
	if _, err := NewRedis(RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
	if _, err := NewRedis(RedisConfig{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatalf("expected error for unreachable redis")
	}
}
