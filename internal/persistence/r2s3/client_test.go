package r2s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type received struct {
	path  string
	auth  string
	hash  string
	date  string
	ctype string
	body  []byte
}

func newStore(t *testing.T, status int) (*httptest.Server, func() []received) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []received
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{
			path:  r.URL.EscapedPath(),
			auth:  r.Header.Get("Authorization"),
			hash:  r.Header.Get("x-amz-content-sha256"),
			date:  r.Header.Get("x-amz-date"),
			ctype: r.Header.Get("Content-Type"),
			body:  b,
		})
		mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, "<Error>denied</Error>", status)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestClient_PutFileSignsRequest(t *testing.T) {
	srv, reqs := newStore(t, http.StatusOK)
	c, err := New(srv.URL, "structures", "AKID", "SECRET")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fixed := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	path := writeFile(t, "hut.mcstructure.zst", "payload")
	if err := c.PutFile(context.Background(), "/exports/my hut.mcstructure.zst", path); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	got := reqs()
	if len(got) != 1 {
		t.Fatalf("requests=%d", len(got))
	}
	r := got[0]
	if r.path != "/structures/exports/my%20hut.mcstructure.zst" {
		t.Fatalf("path=%q", r.path)
	}
	if r.hash != payloadSHA || string(r.body) != "payload" {
		t.Fatalf("payload hash=%q body=%q", r.hash, r.body)
	}
	if r.date != "20260301T083000Z" || r.ctype != "application/zstd" {
		t.Fatalf("x-amz-date=%q content-type=%q", r.date, r.ctype)
	}
	wantPrefix := "AWS4-HMAC-SHA256 Credential=AKID/20260301/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature="
	if !strings.HasPrefix(r.auth, wantPrefix) {
		t.Fatalf("Authorization=%q", r.auth)
	}
	if sig := strings.TrimPrefix(r.auth, wantPrefix); len(sig) != 64 {
		t.Fatalf("signature %q is not a hex sha256", sig)
	}
}

// sha256("payload")
const payloadSHA = "239f59ed55e737c77147cf55ad0c1b030b6d7ee748a7426952f9b852d5a935e5"

func TestSigner_KnownSignature(t *testing.T) {
	s := signer{keyID: "AKID", secret: "SECRET", region: "auto", service: "s3"}
	uri := "/structures/exports/my%20hut.mcstructure.zst"
	req, err := http.NewRequest(http.MethodPut, "https://acct.r2.cloudflarestorage.com"+uri, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	s.sign(req, uri, payloadSHA, time.Date(2026, 3, 1, 13, 30, 0, 0, time.FixedZone("UTC+5", 5*3600)))
	want := "AWS4-HMAC-SHA256 Credential=AKID/20260301/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, " +
		"Signature=76db930b9badc53db728fb6bf6eee30f0eb201d380d1502ec9ea23fbaffd721e"
	if got := req.Header.Get("Authorization"); got != want {
		t.Fatalf("Authorization=%q\nwant %q", got, want)
	}
}

func TestClient_PutFileErrors(t *testing.T) {
	srv, reqs := newStore(t, http.StatusForbidden)
	c, err := New(srv.URL, "structures", "AKID", "SECRET")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := writeFile(t, "a.mcstructure", "payload")
	err = c.PutFile(context.Background(), "a.mcstructure", path)
	if err == nil || !strings.Contains(err.Error(), "status=403") {
		t.Fatalf("PutFile err=%v", err)
	}
	if got := reqs(); len(got) != 1 || string(got[0].body) != "payload" || got[0].ctype != "application/octet-stream" {
		t.Fatalf("requests=%+v", got)
	}
	if err := c.PutFile(context.Background(), " / ", path); err == nil || !strings.Contains(err.Error(), "empty object key") {
		t.Fatalf("empty key err=%v", err)
	}
	if cleanKey("../../etc/passwd") != "etc/passwd" || cleanKey(`exports\a.mcstructure`) != "exports/a.mcstructure" {
		t.Fatalf("keys must stay inside the bucket")
	}
	if err := c.PutFile(context.Background(), "dir", t.TempDir()); err == nil {
		t.Fatalf("expected error for directory upload")
	}
	if err := c.PutFile(context.Background(), "gone", filepath.Join(t.TempDir(), "gone")); !os.IsNotExist(err) {
		t.Fatalf("missing file err=%v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "b", "k", "s"); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
	c, err := New("account.r2.cloudflarestorage.com/", "b", "k", "s")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.endpoint != "https://account.r2.cloudflarestorage.com" {
		t.Fatalf("endpoint=%q", c.endpoint)
	}
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("R2_ENDPOINT", "")
	if c, err := NewFromEnv(); c != nil || err != nil {
		t.Fatalf("unset endpoint: %v %v", c, err)
	}
	t.Setenv("R2_ENDPOINT", "r2.example.com")
	t.Setenv("R2_BUCKET", "b")
	t.Setenv("R2_ACCESS_KEY_ID", "k")
	t.Setenv("R2_SECRET_ACCESS_KEY", "s")
	if c, err := NewFromEnv(); c == nil || err != nil {
		t.Fatalf("configured env: %v %v", c, err)
	}
}

func TestMirror_UploadsRelativeKeys(t *testing.T) {
	srv, reqs := newStore(t, http.StatusOK)
	c, err := New(srv.URL, "structures", "AKID", "SECRET")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dir := t.TempDir()
	local := filepath.Join(dir, "2026", "hut.mcstructure.zst")
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(local, []byte("zst"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewMirror(c, dir, "/exports/", 2, 4, nil)
	if key, err := m.ObjectKey(local); err != nil || key != "exports/2026/hut.mcstructure.zst" {
		t.Fatalf("ObjectKey=%q,%v", key, err)
	}
	if _, err := m.ObjectKey(filepath.Join(filepath.Dir(dir), "elsewhere")); err == nil {
		t.Fatalf("expected error for file outside output dir")
	}
	m.Enqueue(local)
	m.Enqueue(filepath.Join(dir, "missing.mcstructure"))
	m.Close()
	m.Close()

	st := m.Stats()
	if st.EnqueuedTotal != 2 || st.UploadSuccessTotal != 1 || st.UploadFailTotal != 1 {
		t.Fatalf("stats=%+v", st)
	}
	got := reqs()
	if len(got) != 1 || got[0].path != "/structures/exports/2026/hut.mcstructure.zst" {
		t.Fatalf("requests=%+v", got)
	}
}
