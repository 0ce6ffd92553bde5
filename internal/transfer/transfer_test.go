package transfer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperstream/hyperstream/internal/keys"
	"github.com/hyperstream/hyperstream/internal/xerrors"
)

func runTransfer(t *testing.T, sourcePath string, sendKey, recvKey keys.AeadKey, destDir string) (Metadata, error) {
	t.Helper()
	pr, pw := io.Pipe()

	sendErrCh := make(chan error, 1)
	go func() {
		err := Send(context.Background(), pw, sourcePath, sendKey, SendOptions{})
		pw.CloseWithError(err)
		sendErrCh <- err
	}()

	meta, recvErr := Receive(context.Background(), pr, destDir, recvKey, ReceiveOptions{})
	pr.Close()

	if sendErr := <-sendErrCh; sendErr != nil && recvErr == nil {
		t.Fatalf("Send failed: %v", sendErr)
	}
	return meta, recvErr
}

func TestSendReceiveSingleFile(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "note.txt")
	content := []byte("nineteen bytes long")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	topic, _, err := keys.Generate()
	if err != nil {
		t.Fatalf("keys.Generate: %v", err)
	}
	key := keys.Derive(topic)

	destDir := t.TempDir()
	meta, err := runTransfer(t, src, key, key, destDir)
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if meta.IsDirectory {
		t.Fatal("expected IsDirectory = false")
	}
	if meta.FileCount != 1 {
		t.Fatalf("FileCount = %d, want 1", meta.FileCount)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "note.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("content mismatch: got %q, want %q", got, content)
	}
}

func TestSendReceiveDirectory(t *testing.T) {
	srcDir := t.TempDir()
	files := map[string]string{
		"a.txt":     "alpha",
		"b.txt":     "bravo",
		"sub/c.txt": "charlie",
	}
	for rel, content := range files {
		full := filepath.Join(srcDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	topic, _, err := keys.Generate()
	if err != nil {
		t.Fatalf("keys.Generate: %v", err)
	}
	key := keys.Derive(topic)

	destDir := t.TempDir()
	meta, err := runTransfer(t, srcDir, key, key, destDir)
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if !meta.IsDirectory {
		t.Fatal("expected IsDirectory = true")
	}
	if meta.FileCount != 3 {
		t.Fatalf("FileCount = %d, want 3", meta.FileCount)
	}
	base := filepath.Base(srcDir)
	for rel, want := range files {
		got, err := os.ReadFile(filepath.Join(destDir, base, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", rel, err)
		}
		if string(got) != want {
			t.Fatalf("content mismatch for %s", rel)
		}
	}
}

func TestReceiveWithWrongKeyFailsAuthentication(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "secret.txt")
	if err := os.WriteFile(src, []byte("top secret contents"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sendTopic, _, _ := keys.Generate()
	recvTopic, _, _ := keys.Generate()
	sendKey := keys.Derive(sendTopic)
	recvKey := keys.Derive(recvTopic)

	destDir := t.TempDir()
	_, err := runTransfer(t, src, sendKey, recvKey, destDir)
	if !errors.Is(err, xerrors.ErrAuthenticationFailure) {
		t.Fatalf("got %v, want ErrAuthenticationFailure", err)
	}

	entries, _ := os.ReadDir(destDir)
	if len(entries) != 0 {
		t.Fatalf("expected no files materialized on auth failure, found %d", len(entries))
	}
}

func TestCompressedMediaFileIsNotCompressed(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "image.jpg")
	// arbitrary bytes standing in for real JPEG content; only the extension matters
	if err := os.WriteFile(src, []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x01, 0x02, 0x03}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	topic, _, _ := keys.Generate()
	key := keys.Derive(topic)

	destDir := t.TempDir()
	meta, err := runTransfer(t, src, key, key, destDir)
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if meta.Compressed {
		t.Fatal("expected Compressed = false for .jpg source")
	}
}

func TestProgressCallbacksObserveIncreasingByteCounts(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "big.bin")
	data := make([]byte, 300*1024)
	for i := range data {
		data[i] = byte(i % 256)
	}
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	topic, _, _ := keys.Generate()
	key := keys.Derive(topic)

	pr, pw := io.Pipe()
	var sendProgress []uint64
	go func() {
		err := Send(context.Background(), pw, src, key, SendOptions{
			OnProgress: func(n uint64) { sendProgress = append(sendProgress, n) },
		})
		pw.CloseWithError(err)
	}()

	destDir := t.TempDir()
	var recvProgress []uint64
	_, err := Receive(context.Background(), pr, destDir, key, ReceiveOptions{
		OnProgress: func(n uint64) { recvProgress = append(recvProgress, n) },
	})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if len(sendProgress) == 0 || len(recvProgress) == 0 {
		t.Fatal("expected at least one progress callback on each side")
	}
	for i := 1; i < len(sendProgress); i++ {
		if sendProgress[i] < sendProgress[i-1] {
			t.Fatalf("send progress not monotonic at %d: %d < %d", i, sendProgress[i], sendProgress[i-1])
		}
	}
}
