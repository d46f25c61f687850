// Package backup implements the quarry backup stream.
//
// A backup is a consistent byte image of the database file, taken under a
// read transaction, wrapped in a small header:
//
//	0: magic   [8]byte "QRYBAK1\0"
//	8: version uint8
//	9: compression uint8
//
// followed by the (possibly compressed) file image. The compression tag uses
// one byte so new algorithms can be added without breaking old streams.
//
// Note this compresses the backup artifact only; pages inside the engine are
// never compressed.
package backup

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// magic identifies a quarry backup stream.
var magic = [8]byte{'Q', 'R', 'Y', 'B', 'A', 'K', '1', 0}

// streamVersion is the backup stream format version.
const streamVersion = 1

// Compression selects the algorithm applied to the file image.
type Compression uint8

const (
	// None stores the image uncompressed.
	None Compression = 0
	// Snappy uses the snappy framing format.
	Snappy Compression = 1
	// Zstd uses Zstandard at its default level.
	Zstd Compression = 2
	// LZ4 uses the LZ4 frame format.
	LZ4 Compression = 3
)

// String returns the human-readable name of the compression algorithm.
func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// Parse returns the Compression named by s.
func Parse(s string) (Compression, error) {
	switch s {
	case "none", "":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, fmt.Errorf("backup: unknown compression %q", s)
	}
}

// ErrBadStream is returned when a stream does not start with a valid backup
// header.
var ErrBadStream = errors.New("backup: not a quarry backup stream")

// nopCloser adapts a plain writer to io.WriteCloser for the None path.
type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// flushCloser finishes a compressed stream without closing the underlying
// writer.
type flushCloser struct {
	io.Writer
	close func() error
}

func (f flushCloser) Close() error { return f.close() }

// NewWriter writes a backup header to w and returns the writer the file
// image should be streamed into. Closing the returned writer finishes the
// compressed stream; it does not close w.
func NewWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	hdr := make([]byte, 10)
	copy(hdr, magic[:])
	hdr[8] = streamVersion
	hdr[9] = uint8(c)
	if _, err := w.Write(hdr); err != nil {
		return nil, fmt.Errorf("backup: write header: %w", err)
	}

	switch c {
	case None:
		return nopCloser{w}, nil
	case Snappy:
		sw := snappy.NewBufferedWriter(w)
		return flushCloser{sw, sw.Close}, nil
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("backup: zstd writer: %w", err)
		}
		return flushCloser{zw, zw.Close}, nil
	case LZ4:
		lw := lz4.NewWriter(w)
		return flushCloser{lw, lw.Close}, nil
	default:
		return nil, fmt.Errorf("backup: unknown compression %q", c)
	}
}

// NewReader validates the backup header on r and returns a reader yielding
// the raw file image plus the compression the stream was written with.
func NewReader(r io.Reader) (io.Reader, Compression, error) {
	hdr := make([]byte, 10)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, None, fmt.Errorf("%w: %v", ErrBadStream, err)
	}
	if [8]byte(hdr[0:8]) != magic {
		return nil, None, ErrBadStream
	}
	if hdr[8] != streamVersion {
		return nil, None, fmt.Errorf("%w: stream version %d", ErrBadStream, hdr[8])
	}

	c := Compression(hdr[9])
	switch c {
	case None:
		return r, c, nil
	case Snappy:
		return snappy.NewReader(r), c, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, c, fmt.Errorf("backup: zstd reader: %w", err)
		}
		return zr.IOReadCloser(), c, nil
	case LZ4:
		return lz4.NewReader(r), c, nil
	default:
		return nil, c, fmt.Errorf("%w: unknown compression %d", ErrBadStream, hdr[9])
	}
}

// Restore reads a backup stream and writes the database file at path.
// It refuses to overwrite an existing file.
func Restore(r io.Reader, path string) error {
	img, _, err := NewReader(r)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("backup: create %s: %w", path, err)
	}
	if _, err := io.Copy(f, img); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("backup: restore %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("backup: sync %s: %w", path, err)
	}
	return f.Close()
}
