// Package compress implements the self-describing, optional compression
// framing (spec component C4). The wire stream begins with a single flag
// byte — 0x00 for raw passthrough, 0x01 for a Zstandard frame — so the
// decoder never needs to be told out of band which mode the encoder chose.
package compress

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/hyperstream/hyperstream/internal/xerrors"
)

const (
	// FlagRaw marks an uncompressed passthrough stream.
	FlagRaw byte = 0x00
	// FlagCompressed marks a Zstandard-compressed stream.
	FlagCompressed byte = 0x01

	// zstdLevel is fixed at "good balance" per spec.
	zstdLevel = zstd.SpeedDefault
)

// skipExtensions disables compression for already-compressed or
// already-archived content, case-insensitive, matched on the full
// extension including the dot.
var skipExtensions = map[string]struct{}{
	// archives
	".zip": {}, ".gz": {}, ".tgz": {}, ".bz2": {}, ".xz": {}, ".7z": {},
	".rar": {}, ".zst": {}, ".lz4": {}, ".lzma": {},
	// compressed media
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".mp3": {},
	".mp4": {}, ".mkv": {}, ".mov": {}, ".avi": {}, ".flac": {}, ".ogg": {},
	".webm": {}, ".heic": {}, ".avif": {},
	// office documents (already zip-compressed containers)
	".docx": {}, ".xlsx": {}, ".pptx": {}, ".odt": {}, ".ods": {}, ".odp": {},
	".pdf": {},
}

// ShouldCompress decides whether the sender enables compression for a
// top-level source path, based solely on its extension. Directories and
// unknown extensions enable compression; the fixed skip set disables it.
func ShouldCompress(sourcePath string, isDirectory bool) bool {
	if isDirectory {
		return true
	}
	ext := strings.ToLower(filepath.Ext(sourcePath))
	if ext == "" {
		return true
	}
	_, skip := skipExtensions[ext]
	return !skip
}

// Encoder wraps w so that writes to the Encoder are framed per the
// compression contract: a single flag byte is emitted on the first write
// (or on Close for an empty stream), followed by either a raw copy or a
// Zstandard stream.
type Encoder struct {
	w           io.Writer
	enabled     bool
	flagWritten bool
	zw          *zstd.Encoder
}

// NewEncoder creates an Encoder. enabled selects compressed (0x01) or raw
// (0x00) framing; the flag byte is not written until the first Write or
// Close, so construction cannot fail on I/O.
func NewEncoder(w io.Writer, enabled bool) *Encoder {
	return &Encoder{w: w, enabled: enabled}
}

func (e *Encoder) ensureStarted() error {
	if e.flagWritten {
		return nil
	}
	flag := FlagRaw
	if e.enabled {
		flag = FlagCompressed
	}
	if _, err := e.w.Write([]byte{flag}); err != nil {
		return xerrors.NewIoError("compress encoder: write flag byte", err)
	}
	if e.enabled {
		zw, err := zstd.NewWriter(e.w, zstd.WithEncoderLevel(zstdLevel))
		if err != nil {
			return xerrors.NewIoError("compress encoder: init zstd writer", err)
		}
		e.zw = zw
	}
	e.flagWritten = true
	return nil
}

// Write implements io.Writer.
func (e *Encoder) Write(p []byte) (int, error) {
	if err := e.ensureStarted(); err != nil {
		return 0, err
	}
	if e.enabled {
		n, err := e.zw.Write(p)
		if err != nil {
			return n, xerrors.NewIoError("compress encoder: zstd write", err)
		}
		return n, nil
	}
	n, err := e.w.Write(p)
	if err != nil {
		return n, xerrors.NewIoError("compress encoder: raw write", err)
	}
	return n, nil
}

// Close flushes and finalizes the stream. For compressed streams this
// closes the Zstandard frame; the flag byte is written even for a fully
// empty input, per the "exactly once, even on empty input" requirement.
func (e *Encoder) Close() error {
	if err := e.ensureStarted(); err != nil {
		return err
	}
	if e.zw != nil {
		if err := e.zw.Close(); err != nil {
			return xerrors.NewIoError("compress encoder: close zstd writer", err)
		}
	}
	return nil
}

// Decoder reads the flag-byte-framed stream produced by Encoder and exposes
// the decompressed (or raw) plaintext as an io.Reader.
type Decoder struct {
	r        io.Reader
	readFlag bool
	enabled  bool
	zr       *zstd.Decoder
}

// NewDecoder creates a Decoder. The flag byte is read lazily on the first
// Read call so construction cannot fail on I/O.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

func (d *Decoder) ensureStarted() error {
	if d.readFlag {
		return nil
	}
	var flag [1]byte
	if _, err := io.ReadFull(d.r, flag[:]); err != nil {
		return xerrors.NewIoError("compress decoder: read flag byte", err)
	}
	switch flag[0] {
	case FlagRaw:
		d.enabled = false
	case FlagCompressed:
		d.enabled = true
		zr, err := zstd.NewReader(d.r)
		if err != nil {
			return xerrors.ErrDecompressionError
		}
		d.zr = zr
	default:
		return xerrors.ErrInvalidCompressionFlag
	}
	d.readFlag = true
	return nil
}

// Read implements io.Reader.
func (d *Decoder) Read(p []byte) (int, error) {
	if err := d.ensureStarted(); err != nil {
		return 0, err
	}
	if d.enabled {
		n, err := d.zr.Read(p)
		if err != nil && err != io.EOF {
			return n, xerrors.ErrDecompressionError
		}
		return n, err
	}
	n, err := d.r.Read(p)
	if err != nil && err != io.EOF {
		return n, xerrors.NewIoError("compress decoder: raw read", err)
	}
	return n, err
}

// Close releases decoder resources. Safe to call even if Read was never
// called.
func (d *Decoder) Close() error {
	if d.zr != nil {
		d.zr.Close()
	}
	return nil
}
