package structio

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func sample() []byte {
	// A little-endian NBT prefix followed by a long run, so compression has
	// something to do.
	b := []byte{0x0a, 0x00, 0x00}
	return append(b, bytes.Repeat([]byte{0xff, 0xff, 0xff, 0xff}, 4096)...)
}

func TestWriteReadFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	data := sample()
	for _, c := range []Compression{None, Gzip, Zstd} {
		path := filepath.Join(dir, "nested", "out"+c.Ext())
		if err := WriteFile(path, data, c); err != nil {
			t.Fatalf("%s: WriteFile: %v", c, err)
		}
		if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
			t.Fatalf("%s: temp file left behind: %v", c, err)
		}
		got, found, err := ReadFile(path)
		if err != nil {
			t.Fatalf("%s: ReadFile: %v", c, err)
		}
		if found != c {
			t.Fatalf("detected %s want %s", found, c)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("%s: round trip mismatch", c)
		}
		if c != None {
			raw, _ := os.ReadFile(path)
			if len(raw) >= len(data) {
				t.Fatalf("%s: compressed size %d not smaller than %d", c, len(raw), len(data))
			}
		}
	}
}

func TestParseCompression(t *testing.T) {
	cases := map[string]Compression{
		"":     None,
		"none": None,
		"RAW":  None,
		"gzip": Gzip,
		" gz ": Gzip,
		"zstd": Zstd,
		"zst":  Zstd,
	}
	for in, want := range cases {
		got, err := ParseCompression(in)
		if err != nil || got != want {
			t.Fatalf("ParseCompression(%q)=%q,%v want %q", in, got, err, want)
		}
	}
	if _, err := ParseCompression("brotli"); err == nil {
		t.Fatalf("expected error for unknown compression")
	}
}

func TestDecompress_CorruptInput(t *testing.T) {
	if _, _, err := Decompress([]byte{0x1f, 0x8b, 0x00}); err == nil {
		t.Fatalf("expected gzip error")
	}
	if _, _, err := Decompress([]byte{0x28, 0xb5, 0x2f, 0xfd, 0x00}); err == nil {
		t.Fatalf("expected zstd error")
	}
	raw := []byte{0x0a, 0x00, 0x00, 0x00}
	got, c, err := Decompress(raw)
	if err != nil || c != None || !bytes.Equal(got, raw) {
		t.Fatalf("plain input: %v %s %v", got, c, err)
	}
}

func TestReadFileLimit_BoundsDecompressedSize(t *testing.T) {
	dir := t.TempDir()
	data := sample()
	for _, c := range []Compression{None, Gzip, Zstd} {
		path := filepath.Join(dir, "out"+c.Ext())
		if err := WriteFile(path, data, c); err != nil {
			t.Fatalf("%s: WriteFile: %v", c, err)
		}
		if _, _, err := ReadFileLimit(path, int64(len(data))-1); err == nil || !strings.Contains(err.Error(), "exceeds") {
			t.Fatalf("%s: err=%v want size limit error", c, err)
		}
		got, found, err := ReadFileLimit(path, int64(len(data)))
		if err != nil || found != c || !bytes.Equal(got, data) {
			t.Fatalf("%s: at the limit found=%s err=%v", c, found, err)
		}

		rc, found, err := Open(path)
		if err != nil || found != c {
			t.Fatalf("%s: Open found=%s err=%v", c, found, err)
		}
		head := make([]byte, 3)
		if _, err := io.ReadFull(rc, head); err != nil || !bytes.Equal(head, data[:3]) {
			t.Fatalf("%s: head=%x err=%v", c, head, err)
		}
		_ = rc.Close()
	}
	if _, _, err := Open(filepath.Join(dir, "missing")); !os.IsNotExist(err) {
		t.Fatalf("missing file err=%v", err)
	}
}
