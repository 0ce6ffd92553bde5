package aead

import (
	"bytes"
	"io"
	"testing"

	"github.com/hyperstream/hyperstream/internal/keys"
	"github.com/hyperstream/hyperstream/internal/xerrors"
)

func randomKey(t *testing.T) keys.AeadKey {
	t.Helper()
	topic, _, err := keys.Generate()
	if err != nil {
		t.Fatalf("keys.Generate: %v", err)
	}
	return keys.Derive(topic)
}

func encodeAll(t *testing.T, key keys.AeadKey, plaintext []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, key)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if _, err := enc.Write(plaintext); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func decodeAll(key keys.AeadKey, wire []byte) ([]byte, error) {
	dec, err := NewDecoder(bytes.NewReader(wire), key)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(dec)
}

func TestRoundtripVariousSizes(t *testing.T) {
	key := randomKey(t)
	sizes := []int{0, 1, 100, ChunkSize - 1, ChunkSize, ChunkSize + 1, 3*ChunkSize + 17}
	for _, size := range sizes {
		plaintext := make([]byte, size)
		for i := range plaintext {
			plaintext[i] = byte(i % 256)
		}
		wire := encodeAll(t, key, plaintext)
		got, err := decodeAll(key, wire)
		if err != nil {
			t.Fatalf("size %d: decode failed: %v", size, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("size %d: roundtrip mismatch", size)
		}
	}
}

func TestEmptyStreamEmitsPrefixAndEndMarkerOnly(t *testing.T) {
	key := randomKey(t)
	wire := encodeAll(t, key, nil)
	if len(wire) != noncePrefixSize+lengthFieldSize {
		t.Fatalf("empty stream wire length = %d, want %d", len(wire), noncePrefixSize+lengthFieldSize)
	}
}

func Test200KiBProducesAtLeastThreeChunks(t *testing.T) {
	key := randomKey(t)
	plaintext := make([]byte, 200*1024)
	for i := range plaintext {
		plaintext[i] = byte(i % 256)
	}
	wire := encodeAll(t, key, plaintext)
	// Count chunk markers by walking the wire: prefix, then length-prefixed
	// chunks until the 4-byte zero end marker.
	body := wire[noncePrefixSize:]
	chunks := 0
	for {
		length := be32(body[:4])
		body = body[4:]
		if length == 0 {
			break
		}
		chunks++
		body = body[int(length)+16:]
	}
	if chunks < 3 {
		t.Fatalf("got %d chunks, want at least 3", chunks)
	}
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func TestWrongKeyFailsAuthentication(t *testing.T) {
	k1 := randomKey(t)
	k2 := randomKey(t)
	wire := encodeAll(t, k1, []byte("the quick brown fox"))
	_, err := decodeAll(k2, wire)
	if err != xerrors.ErrAuthenticationFailure {
		t.Fatalf("decode with wrong key: got %v, want ErrAuthenticationFailure", err)
	}
}

func TestTamperDetection(t *testing.T) {
	key := randomKey(t)
	wire := encodeAll(t, key, bytes.Repeat([]byte("x"), 1000))
	endMarkerStart := len(wire) - lengthFieldSize

	for i := 0; i < endMarkerStart; i++ {
		tampered := append([]byte(nil), wire...)
		tampered[i] ^= 0x01
		if _, err := decodeAll(key, tampered); err == nil {
			t.Fatalf("bit flip at byte %d did not cause an error", i)
		}
	}
}

func TestTruncatedStreamBeforeEndMarker(t *testing.T) {
	key := randomKey(t)
	wire := encodeAll(t, key, bytes.Repeat([]byte("y"), ChunkSize+10))
	truncated := wire[:len(wire)-2]
	if _, err := decodeAll(key, truncated); err != xerrors.ErrTruncatedStream {
		t.Fatalf("truncated stream: got %v, want ErrTruncatedStream", err)
	}
}

func TestTrailingBytesAfterEnd(t *testing.T) {
	key := randomKey(t)
	wire := encodeAll(t, key, []byte("hello"))
	wire = append(wire, 0xFF)
	if _, err := decodeAll(key, wire); err != xerrors.ErrTrailingBytesAfterEnd {
		t.Fatalf("trailing bytes: got %v, want ErrTrailingBytesAfterEnd", err)
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	key := randomKey(t)
	var buf bytes.Buffer
	enc, err := NewEncoder(&buf, key)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := enc.Write([]byte("x")); err == nil {
		t.Fatal("expected write-after-close to fail")
	}
}
