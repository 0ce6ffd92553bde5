// Package aead implements the chunked, authenticated encryption stream
// codec (spec component C5): AES-256-GCM applied independently to each
// plaintext chunk of at most 64KiB, chained behind a single random nonce
// prefix and a monotonic per-chunk counter. This is the core defense
// against whole-file buffering: a tampered or truncated chunk is detected
// before any of its plaintext is released to the caller.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hyperstream/hyperstream/internal/keys"
	"github.com/hyperstream/hyperstream/internal/xerrors"
)

const (
	// ChunkSize is the maximum plaintext size of one encrypted chunk.
	ChunkSize = 64 * 1024

	noncePrefixSize = 4
	nonceSize       = 12
	tagSize         = 16
	lengthFieldSize = 4
)

// Encoder turns a stream of plaintext writes into the wire format:
//
//	nonce_prefix(4) chunk* end_marker(4 zero bytes)
//	chunk := length_be32 ciphertext(length) tag(16)
//
// It buffers plaintext internally and only emits a chunk once ChunkSize
// bytes have accumulated, or on Close. Encoder is not safe for concurrent
// use.
type Encoder struct {
	w       io.Writer
	aead    cipher.AEAD
	prefix  [noncePrefixSize]byte
	counter uint64
	buf     []byte
	started bool
	closed  bool
}

// NewEncoder creates an Encoder writing to w under key. It generates and
// writes the nonce prefix immediately.
func NewEncoder(w io.Writer, key keys.AeadKey) (*Encoder, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	e := &Encoder{w: w, aead: aead, buf: make([]byte, 0, ChunkSize)}
	if _, err := io.ReadFull(rand.Reader, e.prefix[:]); err != nil {
		return nil, fmt.Errorf("hyperstream: generate nonce prefix: %w", err)
	}
	if _, err := w.Write(e.prefix[:]); err != nil {
		return nil, xerrors.NewIoError("aead encoder: write nonce prefix", err)
	}
	e.started = true
	return e, nil
}

// Write buffers p and flushes full chunks to the underlying writer as soon
// as ChunkSize bytes have accumulated. This is the backpressure boundary:
// Write returns only after the downstream writer has accepted every chunk
// it produced.
func (e *Encoder) Write(p []byte) (int, error) {
	if e.closed {
		return 0, fmt.Errorf("hyperstream: write after aead encoder closed")
	}
	total := len(p)
	for len(p) > 0 {
		room := ChunkSize - len(e.buf)
		n := room
		if n > len(p) {
			n = len(p)
		}
		e.buf = append(e.buf, p[:n]...)
		p = p[n:]
		if len(e.buf) == ChunkSize {
			if err := e.flushChunk(e.buf); err != nil {
				return total - len(p), err
			}
			e.buf = e.buf[:0]
		}
	}
	return total, nil
}

// Close emits any buffered residual as a final short chunk, then writes the
// end marker. It does not close the underlying writer.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if len(e.buf) > 0 {
		if err := e.flushChunk(e.buf); err != nil {
			return err
		}
		e.buf = nil
	}
	var end [lengthFieldSize]byte
	if _, err := e.w.Write(end[:]); err != nil {
		return xerrors.NewIoError("aead encoder: write end marker", err)
	}
	return nil
}

func (e *Encoder) flushChunk(plaintext []byte) error {
	if e.counter == ^uint64(0) {
		return xerrors.ErrNonceExhausted
	}
	nonce := e.buildNonce(e.counter)
	ciphertext := e.aead.Seal(nil, nonce[:], plaintext, nil)
	e.counter++

	var lenField [lengthFieldSize]byte
	binary.BigEndian.PutUint32(lenField[:], uint32(len(plaintext)))
	if _, err := e.w.Write(lenField[:]); err != nil {
		return xerrors.NewIoError("aead encoder: write chunk length", err)
	}
	if _, err := e.w.Write(ciphertext); err != nil {
		return xerrors.NewIoError("aead encoder: write chunk body", err)
	}
	return nil
}

func (e *Encoder) buildNonce(counter uint64) [nonceSize]byte {
	var n [nonceSize]byte
	copy(n[:noncePrefixSize], e.prefix[:])
	binary.BigEndian.PutUint64(n[noncePrefixSize:], counter)
	return n
}

// decoderState names the states of the Decoder's read loop, per spec.
type decoderState int

const (
	stateReadPrefix decoderState = iota
	stateReadLen
	stateReadBody
	stateHalt
)

// Decoder reads the wire format produced by Encoder and exposes it as a
// plain io.Reader of plaintext. It never emits a chunk's plaintext until
// that chunk's GCM tag has verified.
type Decoder struct {
	r       io.Reader
	aead    cipher.AEAD
	prefix  [noncePrefixSize]byte
	counter uint64
	state   decoderState

	pending []byte // verified plaintext not yet returned to the caller
}

// NewDecoder creates a Decoder reading from r under key. It reads the
// 4-byte nonce prefix immediately.
func NewDecoder(r io.Reader, key keys.AeadKey) (*Decoder, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	d := &Decoder{r: r, aead: aead, state: stateReadLen}
	if _, err := io.ReadFull(r, d.prefix[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, xerrors.ErrTruncatedStream
		}
		return nil, xerrors.NewIoError("aead decoder: read nonce prefix", err)
	}
	return d, nil
}

// Read implements io.Reader, driving the decoder's state machine. It
// returns io.EOF only after observing the end marker; any other
// termination of the underlying reader is a fatal error.
func (d *Decoder) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		if d.state == stateHalt {
			return 0, io.EOF
		}
		if err := d.step(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// step advances the state machine by exactly one chunk (or the end marker).
func (d *Decoder) step() error {
	var lenField [lengthFieldSize]byte
	if _, err := io.ReadFull(d.r, lenField[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return xerrors.ErrTruncatedStream
		}
		return xerrors.NewIoError("aead decoder: read chunk length", err)
	}
	length := binary.BigEndian.Uint32(lenField[:])
	if length == 0 {
		d.state = stateHalt
		return d.checkTrailing()
	}
	if length > ChunkSize {
		return xerrors.ErrChunkTooLarge
	}

	body := make([]byte, int(length)+tagSize)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return xerrors.ErrTruncatedStream
		}
		return xerrors.NewIoError("aead decoder: read chunk body", err)
	}

	nonce := d.buildNonce(d.counter)
	plaintext, err := d.aead.Open(body[:0], nonce[:], body, nil)
	if err != nil {
		return xerrors.ErrAuthenticationFailure
	}
	d.counter++
	d.pending = plaintext
	return nil
}

// checkTrailing confirms nothing follows the end marker. A single extra
// byte is enough to detect trailing data without buffering the rest.
func (d *Decoder) checkTrailing() error {
	var probe [1]byte
	n, err := d.r.Read(probe[:])
	if n > 0 {
		return xerrors.ErrTrailingBytesAfterEnd
	}
	if err != nil && err != io.EOF {
		return xerrors.NewIoError("aead decoder: post-end probe", err)
	}
	return nil
}

func (d *Decoder) buildNonce(counter uint64) [nonceSize]byte {
	var n [nonceSize]byte
	copy(n[:noncePrefixSize], d.prefix[:])
	binary.BigEndian.PutUint64(n[noncePrefixSize:], counter)
	return n
}

func newGCM(key keys.AeadKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("hyperstream: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("hyperstream: gcm mode: %w", err)
	}
	return aead, nil
}
