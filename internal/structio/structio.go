// Package structio moves exported structure documents to and from disk,
// optionally compressed. Readers detect the compression from magic bytes.
package structio

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type Compression string

const (
	None Compression = "none"
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
)

// MaxDecompressed bounds the size of a decompressed document.
const MaxDecompressed = 256 << 20

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "raw":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	default:
		return "", fmt.Errorf("unknown compression %q (want none, gzip or zstd)", s)
	}
}

// Ext is the conventional file suffix for c.
func (c Compression) Ext() string {
	switch c {
	case Gzip:
		return ".mcstructure.gz"
	case Zstd:
		return ".mcstructure.zst"
	default:
		return ".mcstructure"
	}
}

func Compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case None, "":
		return data, nil
	case Gzip:
		var buf bytes.Buffer
		zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return buf.Bytes(), nil
	case Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, make([]byte, 0, len(data)/4)), nil
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}

// Decompress undoes Compress, reporting which compression it found. Data
// without a known magic is returned unchanged.
func Decompress(data []byte) ([]byte, Compression, error) {
	switch {
	case bytes.HasPrefix(data, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, Gzip, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(io.LimitReader(zr, MaxDecompressed+1))
		if err != nil {
			return nil, Gzip, fmt.Errorf("gzip: %w", err)
		}
		if len(out) > MaxDecompressed {
			return nil, Gzip, fmt.Errorf("gzip: document exceeds %d bytes", MaxDecompressed)
		}
		return out, Gzip, nil
	case bytes.HasPrefix(data, zstdMagic):
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressed))
		if err != nil {
			return nil, Zstd, err
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, Zstd, fmt.Errorf("zstd: %w", err)
		}
		return out, Zstd, nil
	default:
		return data, None, nil
	}
}

// WriteFile compresses data and replaces path atomically.
func WriteFile(path string, data []byte, c Compression) error {
	out, err := Compress(data, c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReadFile reads and decompresses path, failing once the document passes
// MaxDecompressed bytes.
func ReadFile(path string) ([]byte, Compression, error) {
	return ReadFileLimit(path, MaxDecompressed)
}

// ReadFileLimit is ReadFile with a caller-chosen bound on the decompressed
// size.
func ReadFileLimit(path string, limit int64) ([]byte, Compression, error) {
	rc, c, err := Open(path)
	if err != nil {
		return nil, c, err
	}
	defer rc.Close()
	out, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, c, fmt.Errorf("%s: %s: %w", path, c, err)
	}
	if int64(len(out)) > limit {
		return nil, c, fmt.Errorf("%s: document exceeds %d bytes", path, limit)
	}
	return out, c, nil
}

// Open streams the decompressed document in path. Nothing is read beyond
// what the caller consumes, so bound the read (io.LimitReader, nbt.Decode).
func Open(path string) (io.ReadCloser, Compression, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, None, err
	}
	br := bufio.NewReader(f)
	head, _ := br.Peek(len(zstdMagic))
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			_ = f.Close()
			return nil, Gzip, fmt.Errorf("%s: gzip: %w", path, err)
		}
		return &readCloser{Reader: zr, close: func() { _ = zr.Close(); _ = f.Close() }}, Gzip, nil
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br, zstd.WithDecoderMaxMemory(MaxDecompressed))
		if err != nil {
			_ = f.Close()
			return nil, Zstd, fmt.Errorf("%s: zstd: %w", path, err)
		}
		return &readCloser{Reader: dec, close: func() { dec.Close(); _ = f.Close() }}, Zstd, nil
	default:
		return &readCloser{Reader: br, close: func() { _ = f.Close() }}, None, nil
	}
}

type readCloser struct {
	io.Reader
	close func()
}

func (r *readCloser) Close() error {
	r.close()
	return nil
}
