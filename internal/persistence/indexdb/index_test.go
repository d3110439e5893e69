package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"voxelstruct.ai/internal/mcstructure"
)

func TestSQLiteIndex_RecordAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := Export{
		ID:          "a",
		Name:        "hut",
		Path:        "/tmp/hut.mcstructure",
		Size:        mcstructure.NewVec3(3, 2, 3),
		PaletteLen:  4,
		Bytes:       812,
		Compression: "none",
		SHA256:      "00ff",
		CreatedAt:   base,
	}
	second := first
	second.ID = "b"
	second.Name = "tower"
	second.RemoteKey = "exports/tower.mcstructure.zst"
	second.Compression = "zstd"
	second.CreatedAt = base.Add(1500 * time.Millisecond)

	idx.RecordExport(first)
	idx.RecordExport(second)
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()

	got, err := idx.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff([]Export{second, first}, got); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}

	one, err := idx.Get(context.Background(), "b")
	if err != nil || one.RemoteKey != second.RemoteKey {
		t.Fatalf("Get: %+v %v", one, err)
	}
	if _, err := idx.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing err=%v", err)
	}
	if got, _ := idx.List(context.Background(), 1); len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("List(1)=%v", got)
	}
}

func TestSQLiteIndex_SchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	_ = idx.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	var v string
	if err := db.QueryRow(`SELECT value FROM meta WHERE key='schema_version'`).Scan(&v); err != nil || v != "1" {
		t.Fatalf("schema_version=%q err=%v", v, err)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan Export, 1)}
	s.RecordExport(Export{ID: "1"})
	s.RecordExport(Export{ID: "2"})
	st := s.Stats()
	if st.DropTotal != 1 || st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("stats=%+v", st)
	}
	queued := <-s.ch
	if queued.CreatedAt.IsZero() || queued.Compression != "none" {
		t.Fatalf("record not normalized: %+v", queued)
	}
}

func TestNewExport(t *testing.T) {
	s, err := mcstructure.New(mcstructure.NewVec3(2, 1, 1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := s.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	e := NewExport("x", s, data, "gzip")
	if e.ID == "" || e.Bytes != len(data) || e.PaletteLen != 1 || len(e.SHA256) != 64 || e.Size != s.Size() {
		t.Fatalf("unexpected export: %+v", e)
	}
	if again := NewExport("x", s, data, "gzip"); again.ID == e.ID || again.SHA256 != e.SHA256 {
		t.Fatalf("ids must differ and digests match: %s/%s %s/%s", e.ID, again.ID, e.SHA256, again.SHA256)
	}
}

func TestD1Index_RetriesFailedFlush(t *testing.T) {
	var (
		mu       sync.Mutex
		reqCount int
		applied  []Export
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqCount++
		n := reqCount
		mu.Unlock()

		if r.Header.Get("x-vs-index-token") != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if n <= 2 {
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}
		var body struct {
			Events []struct {
				Kind    string `json:"kind"`
				Source  string `json:"source"`
				Payload Export `json:"payload"`
			} `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		for _, ev := range body.Events {
			if ev.Kind == "export" && ev.Source == "builder-1" {
				applied = append(applied, ev.Payload)
			}
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	idx, err := OpenD1(D1Config{
		Endpoint:      srv.URL,
		Token:         "secret",
		Source:        "builder-1",
		BatchSize:     1,
		FlushInterval: 20 * time.Millisecond,
		HTTPTimeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("OpenD1: %v", err)
	}
	idx.RecordExport(Export{ID: "e1", Name: "hut", SHA256: "abcd"})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 1 || applied[0].ID != "e1" || applied[0].Name != "hut" {
		t.Fatalf("applied=%+v after %d requests", applied, reqCount)
	}
	if reqCount != 3 {
		t.Fatalf("reqCount=%d want 3", reqCount)
	}
	if idx.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", idx.Dropped())
	}
}

func TestOpenD1_RequiresEndpointAndSource(t *testing.T) {
	if _, err := OpenD1(D1Config{Source: "x"}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
	if _, err := OpenD1(D1Config{Endpoint: "http://127.0.0.1:1"}); err == nil {
		t.Fatalf("expected error for empty source")
	}
}

func TestMulti_FansOut(t *testing.T) {
	a := &SQLiteIndex{ch: make(chan Export, 1)}
	b := &SQLiteIndex{ch: make(chan Export, 1)}
	Multi{a, nil, b}.RecordExport(Export{Name: "x"})
	ea, eb := <-a.ch, <-b.ch
	if ea.ID == "" || ea.ID != eb.ID {
		t.Fatalf("fan-out ids %q %q", ea.ID, eb.ID)
	}
}

func TestOpenNATS_Validation(t *testing.T) {
	if _, err := OpenNATS(NATSConfig{}); err == nil {
		t.Fatalf("expected error for empty url")
	}
	for _, subj := range []string{"exports.*", "a..b", ".x", "has space"} {
		if _, err := OpenNATS(NATSConfig{URL: "nats://127.0.0.1:1", Subject: subj}); err == nil {
			t.Fatalf("expected error for subject %q", subj)
		}
	}
	if _, err := OpenNATS(NATSConfig{URL: "nats://127.0.0.1:1"}); err == nil {
		t.Fatalf("expected error for unreachable server")
	}
	var n *NATSIndex
	n.RecordExport(Export{})
	if err := n.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}

func TestEncodeEvent(t *testing.T) {
	e := Export{ID: "e1", Name: "hut", Size: mcstructure.NewVec3(1, 2, 3), Compression: "zstd"}
	b, err := encodeEvent("export", "node-a", e)
	if err != nil {
		t.Fatalf("encodeEvent: %v", err)
	}
	var got struct {
		Kind    string `json:"kind"`
		Source  string `json:"source"`
		Payload Export `json:"payload"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != "export" || got.Source != "node-a" {
		t.Fatalf("envelope=%+v", got)
	}
	if diff := cmp.Diff(e, got.Payload); diff != "" {
		t.Fatalf("payload (-want +got):\n%s", diff)
	}
}
