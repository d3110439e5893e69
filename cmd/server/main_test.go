package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voxelstruct.ai/internal/buildcache"
	"voxelstruct.ai/internal/mcstructure"
	"voxelstruct.ai/internal/persistence/indexdb"
	"voxelstruct.ai/internal/transport/ws"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestMux(buildSrv *ws.Server, idx indexdb.Index) http.Handler {
	reg := newMetricsRegistry(buildSrv, idx, nil, nil)
	return newMux(buildSrv, idx, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), log.New(io.Discard, "", 0))
}

func TestMux_HealthzAndMetrics(t *testing.T) {
	t.Setenv("VS_ENABLE_ADMIN_HTTP", "false")
	buildSrv := ws.NewServer(ws.Config{MaxConcurrentBuilds: 3}, nil)
	mux := newTestMux(buildSrv, nil)

	if rec := get(t, mux, "/healthz"); rec.Code != 200 || rec.Body.String() != "ok" {
		t.Fatalf("healthz=%d %q", rec.Code, rec.Body.String())
	}
	rec := get(t, mux, "/metrics")
	body := rec.Body.String()
	for _, want := range []string{"voxelstruct_build_slots 3", "voxelstruct_builds_total 0", "# TYPE voxelstruct_build_errors_total counter"} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "r2_mirror") || strings.Contains(body, "index_") {
		t.Fatalf("metrics should omit disabled backends:\n%s", body)
	}
	if rec := get(t, mux, "/admin/v1/exports"); rec.Code != http.StatusNotFound {
		t.Fatalf("admin endpoint should be off, got %d", rec.Code)
	}
}

func TestMux_AdminExports(t *testing.T) {
	t.Setenv("VS_ENABLE_ADMIN_HTTP", "true")
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	st, err := mcstructure.New(mcstructure.NewVec3(1, 1, 1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := st.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	exp := indexdb.NewExport("cube", st, data, "none")
	idx.RecordExport(exp)

	mux := newTestMux(ws.NewServer(ws.Config{}, nil), idx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec := get(t, mux, "/admin/v1/exports/"+exp.ID)
		if rec.Code == http.StatusOK {
			var got indexdb.Export
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil || got.SHA256 != exp.SHA256 {
				t.Fatalf("export=%s err=%v", rec.Body.String(), err)
			}
			break
		}
		if rec.Code != http.StatusNotFound || time.Now().After(deadline) {
			t.Fatalf("GET export status=%d", rec.Code)
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := get(t, mux, "/admin/v1/exports?limit=5")
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), exp.ID) {
		t.Fatalf("list=%d %s", rec.Code, rec.Body.String())
	}
	for idx.Stats().WrittenTotal == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if body := get(t, mux, "/metrics").Body.String(); !strings.Contains(body, "voxelstruct_index_written_total 1") {
		t.Fatalf("metrics missing index counters:\n%s", body)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/exports", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	remote := httptest.NewRecorder()
	mux.ServeHTTP(remote, req)
	if remote.Code != http.StatusForbidden {
		t.Fatalf("non-loopback admin request status=%d", remote.Code)
	}
	if _, err := idx.Get(context.Background(), "missing"); err == nil {
		t.Fatalf("expected ErrNotFound")
	}
}

func TestOpenRuntimeIndex(t *testing.T) {
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)

	if idx, err := openRuntimeIndex(dir, true, logger); idx != nil || err != nil {
		t.Fatalf("disabled: %v %v", idx, err)
	}

	t.Setenv("VS_INDEX_BACKEND", "none")
	if idx, err := openRuntimeIndex(dir, false, logger); idx != nil || err != nil {
		t.Fatalf("none: %v %v", idx, err)
	}

	t.Setenv("VS_INDEX_BACKEND", "")
	idx, err := openRuntimeIndex(dir, false, logger)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if _, ok := idx.(*indexdb.SQLiteIndex); !ok {
		t.Fatalf("default backend=%T", idx)
	}
	_ = idx.Close()

	t.Setenv("VS_INDEX_BACKEND", "d1")
	t.Setenv("VS_INDEX_D1_INGEST_URL", "")
	if idx, err := openRuntimeIndex(dir, false, logger); idx != nil || err == nil {
		t.Fatalf("d1 without url: %v %v", idx, err)
	}
	t.Setenv("VS_INDEX_D1_INGEST_URL", "http://127.0.0.1:1/ingest")
	idx, err = openRuntimeIndex(dir, false, logger)
	if err != nil {
		t.Fatalf("d1: %v", err)
	}
	if _, ok := idx.(*indexdb.D1Index); !ok {
		t.Fatalf("d1 backend=%T", idx)
	}
	_ = idx.Close()

	t.Setenv("VS_INDEX_BACKEND", "postgres")
	if _, err := openRuntimeIndex(dir, false, logger); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}

func TestBuildR2Mirror(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	t.Setenv("VS_R2_MIRROR", "false")
	if m, err := buildR2Mirror("", logger); m != nil || err != nil {
		t.Fatalf("off: %v %v", m, err)
	}

	t.Setenv("VS_R2_MIRROR", "true")
	if _, err := buildR2Mirror("", logger); err == nil {
		t.Fatalf("expected error without an export dir")
	}
	t.Setenv("VS_R2_ENDPOINT", "")
	if _, err := buildR2Mirror(t.TempDir(), logger); err == nil {
		t.Fatalf("expected error without credentials")
	}

	t.Setenv("VS_R2_ENDPOINT", "r2.example.com")
	t.Setenv("VS_R2_BUCKET", "b")
	t.Setenv("VS_R2_ACCESS_KEY_ID", "k")
	t.Setenv("VS_R2_SECRET_ACCESS_KEY", "s")
	m, err := buildR2Mirror(t.TempDir(), logger)
	if err != nil || m == nil {
		t.Fatalf("configured: %v %v", m, err)
	}
	m.Close()
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("VS_TEST_INT", "12")
	t.Setenv("VS_TEST_BAD", "x")
	if envInt("VS_TEST_INT", 3) != 12 || envInt("VS_TEST_BAD", 3) != 3 || envInt("VS_TEST_UNSET", 3) != 3 {
		t.Fatalf("envInt")
	}
	t.Setenv("VS_TEST_BOOL", "true")
	if !envBool("VS_TEST_BOOL", false) || envBool("VS_TEST_BAD", false) {
		t.Fatalf("envBool")
	}
}

func TestExportRecorder(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	if r := exportRecorder(nil); r != nil {
		t.Fatalf("expected no recorder, got %T", r)
	}

	dir := t.TempDir()
	t.Setenv("VS_NATS_URL", "")
	sinks, err := openExportSinks(dir, true, logger)
	if err != nil || len(sinks) != 1 {
		t.Fatalf("sinks=%v err=%v", sinks, err)
	}
	if r := exportRecorder(nil, sinks...); r != sinks[0] {
		t.Fatalf("a single sink should be used directly, got %T", r)
	}

	idx, err := indexdb.OpenSQLite(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	r := exportRecorder(idx, sinks...)
	multi, ok := r.(indexdb.Multi)
	if !ok || len(multi) != 2 {
		t.Fatalf("recorder=%T %v", r, r)
	}
	r.RecordExport(indexdb.Export{ID: "e1", Name: "cube"})
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	files, _ := filepath.Glob(filepath.Join(dir, "audit", "exports-*.jsonl.zst"))
	if len(files) != 1 {
		t.Fatalf("audit files=%v", files)
	}

	t.Setenv("VS_NATS_URL", "nats://127.0.0.1:1")
	if _, err := openExportSinks(t.TempDir(), true, logger); err == nil {
		t.Fatalf("expected unreachable nats to fail")
	}
}

func TestOpenBuildCache(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	t.Setenv("VS_REDIS_ADDR", "")

	t.Setenv("VS_BUILD_CACHE_MB", "0")
	if c, closeFn, err := openBuildCache(logger); c != nil || err != nil {
		t.Fatalf("disabled: %v %v", c, err)
	} else {
		closeFn()
	}

	t.Setenv("VS_BUILD_CACHE_MB", "")
	c, closeFn, err := openBuildCache(logger)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	defer closeFn()
	if _, ok := c.(*buildcache.Memory); !ok {
		t.Fatalf("default cache=%T", c)
	}

	t.Setenv("VS_REDIS_ADDR", "127.0.0.1:1")
	if _, _, err := openBuildCache(logger); err == nil {
		t.Fatalf("expected unreachable redis to fail")
	}
}
