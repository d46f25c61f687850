package backup

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestRoundTripAllCompressions(t *testing.T) {
	img := bytes.Repeat([]byte("quarry page bytes "), 4096)

	for _, c := range []Compression{None, Snappy, Zstd, LZ4} {
		t.Run(c.String(), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, c)
			if err != nil {
				t.Fatalf("NewWriter() error = %v", err)
			}
			if _, err := w.Write(img); err != nil {
				t.Fatalf("Write() error = %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			r, got, err := NewReader(&buf)
			if err != nil {
				t.Fatalf("NewReader() error = %v", err)
			}
			if got != c {
				t.Errorf("NewReader() compression = %v, want %v", got, c)
			}
			out, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if !bytes.Equal(out, img) {
				t.Errorf("image does not round-trip under %v: got %d bytes, want %d", c, len(out), len(img))
			}
		})
	}
}

func TestCompressedSmallerThanImage(t *testing.T) {
	img := bytes.Repeat([]byte{0}, 1<<20)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, Zstd)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if _, err := w.Write(img); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if buf.Len() >= len(img) {
		t.Errorf("zstd stream is %d bytes, want < %d", buf.Len(), len(img))
	}
}

func TestNewReaderRejectsGarbage(t *testing.T) {
	_, _, err := NewReader(bytes.NewReader([]byte("not a backup at all")))
	if !errors.Is(err, ErrBadStream) {
		t.Errorf("NewReader(garbage) error = %v, want ErrBadStream", err)
	}

	_, _, err = NewReader(bytes.NewReader([]byte{1, 2}))
	if !errors.Is(err, ErrBadStream) {
		t.Errorf("NewReader(short) error = %v, want ErrBadStream", err)
	}
}

func TestParse(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Compression
	}{
		{"none", None}, {"", None}, {"snappy", Snappy}, {"zstd", Zstd}, {"lz4", LZ4},
	} {
		got, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := Parse("brotli"); err == nil {
		t.Error("Parse(brotli) error = nil, want error")
	}
}

func TestRestore(t *testing.T) {
	img := bytes.Repeat([]byte("abc"), 10000)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, LZ4)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if _, err := w.Write(img); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "restored.qdb")
	if err := Restore(bytes.NewReader(buf.Bytes()), path); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, img) {
		t.Error("restored file differs from original image")
	}

	// Second restore to the same path must refuse to overwrite.
	if err := Restore(bytes.NewReader(buf.Bytes()), path); err == nil {
		t.Error("Restore() over existing file succeeded, want error")
	}
}
