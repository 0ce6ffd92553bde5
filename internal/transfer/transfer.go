// Package transfer composes the archive, compression, and AEAD codecs into
// the two end-to-end pipelines of a share: Send streams a path out over an
// already-connected socket, Receive reads one back in. This is spec
// component C6, grounded on the teacher's filetransfer handler composition
// and bandwidth-cap wrapping.
package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hyperstream/hyperstream/internal/aead"
	"github.com/hyperstream/hyperstream/internal/archive"
	"github.com/hyperstream/hyperstream/internal/compress"
	"github.com/hyperstream/hyperstream/internal/keys"
	"github.com/hyperstream/hyperstream/internal/logging"
	"github.com/hyperstream/hyperstream/internal/xerrors"
)

// Metadata is the cleartext preamble sent before any encrypted byte. It is
// a single line of JSON terminated by '\n', read by the receiver before it
// constructs its AEAD decoder.
type Metadata struct {
	TotalSize   uint64 `json:"total_size"`
	FileCount   uint32 `json:"file_count"`
	IsDirectory bool   `json:"is_directory"`
	Compressed  bool   `json:"compressed"`
}

// ProgressFunc is called with the cumulative count of wire bytes moved so
// far. On the sender this counts post-encryption bytes written to the
// socket; on the receiver it counts bytes read off the socket before
// decryption. Both are the bytes that actually crossed the network.
type ProgressFunc func(bytesSoFar uint64)

// SendOptions configures one outbound transfer.
type SendOptions struct {
	RateLimitBytesPerSecond int64
	OnProgress              ProgressFunc
	Logger                  *slog.Logger
}

// Send probes sourcePath, writes the cleartext metadata preamble, then
// streams archive -> compress -> AEAD -> conn. Any failure at any stage
// leaves conn's state undefined for reuse; callers must close it.
func Send(ctx context.Context, conn io.Writer, sourcePath string, key keys.AeadKey, opts SendOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	totalSize, fileCount, isDirectory, err := archive.Probe(sourcePath)
	if err != nil {
		return fmt.Errorf("hyperstream: probe source: %w", err)
	}
	compressed := compress.ShouldCompress(sourcePath, isDirectory)

	meta := Metadata{
		TotalSize:   totalSize,
		FileCount:   fileCount,
		IsDirectory: isDirectory,
		Compressed:  compressed,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("hyperstream: marshal metadata: %w", err)
	}
	metaBytes = append(metaBytes, '\n')
	if _, err := conn.Write(metaBytes); err != nil {
		return xerrors.NewIoError("transfer send: write preamble", err)
	}
	logger.Info("sent preamble",
		logging.KeyStage, "metadata",
		logging.KeyBytes, totalSize,
		logging.KeyEntries, fileCount,
	)

	var rawWriter io.Writer = conn
	rawWriter = newRateLimitedWriter(ctx, rawWriter, opts.RateLimitBytesPerSecond)
	counter := &countingWriter{w: rawWriter, onProgress: opts.OnProgress, ctx: ctx}

	aeadEnc, err := aead.NewEncoder(counter, key)
	if err != nil {
		return fmt.Errorf("hyperstream: create aead encoder: %w", err)
	}
	compEnc := compress.NewEncoder(aeadEnc, compressed)

	if err := archive.Pack(sourcePath, compEnc); err != nil {
		return err
	}
	if err := compEnc.Close(); err != nil {
		return err
	}
	if err := aeadEnc.Close(); err != nil {
		return err
	}

	logger.Info("transfer complete",
		logging.KeyStage, "send",
		logging.KeyBytes, counter.n,
	)
	return nil
}

// ReceiveOptions configures one inbound transfer.
type ReceiveOptions struct {
	RateLimitBytesPerSecond int64
	OnProgress              ProgressFunc
	Logger                  *slog.Logger
}

// Receive reads the cleartext metadata preamble from conn, then streams
// conn -> AEAD -> compress -> archive into destDir. A wrong key surfaces as
// ErrAuthenticationFailure on the first decoded chunk; no partial files are
// guaranteed to exist on failure since archive.Extract writes as it goes.
func Receive(ctx context.Context, conn io.Reader, destDir string, key keys.AeadKey, opts ReceiveOptions) (Metadata, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		return Metadata{}, xerrors.NewIoError("transfer receive: read preamble", err)
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(line), &meta); err != nil {
		return Metadata{}, fmt.Errorf("hyperstream: unmarshal metadata: %w", err)
	}
	logger.Info("received preamble",
		logging.KeyStage, "metadata",
		logging.KeyBytes, meta.TotalSize,
		logging.KeyEntries, meta.FileCount,
	)

	var rawReader io.Reader = br
	rawReader = newRateLimitedReader(ctx, rawReader, opts.RateLimitBytesPerSecond)
	counter := &countingReader{r: rawReader, onProgress: opts.OnProgress, ctx: ctx}

	aeadDec, err := aead.NewDecoder(counter, key)
	if err != nil {
		return meta, err
	}
	compDec := compress.NewDecoder(aeadDec)

	if err := archive.Extract(compDec, destDir); err != nil {
		return meta, err
	}
	// The tar terminator arrives before the end of the compression frame and
	// the AEAD end marker; read on to the end so a missing end marker or
	// trailing bytes still fail the transfer.
	if _, err := io.Copy(io.Discard, compDec); err != nil {
		return meta, err
	}

	logger.Info("transfer complete",
		logging.KeyStage, "receive",
		logging.KeyBytes, counter.n,
	)
	return meta, nil
}

// countingWriter is the innermost, always-present wrapper around the socket
// on the send path, regardless of whether a rate limit is configured. That
// makes it the place to enforce cancellation for the unconfigured
// (no --rate-limit) case the optional rateLimitedWriter would otherwise miss.
type countingWriter struct {
	w          io.Writer
	n          uint64
	onProgress ProgressFunc
	ctx        context.Context
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, translateCancellation(err)
	}
	n, err := c.w.Write(p)
	c.n += uint64(n)
	if c.onProgress != nil {
		c.onProgress(c.n)
	}
	return n, translateCancellation(err)
}

// countingReader is the innermost, always-present wrapper around the socket
// on the receive path; see countingWriter.
type countingReader struct {
	r          io.Reader
	n          uint64
	onProgress ProgressFunc
	ctx        context.Context
}

func (c *countingReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, translateCancellation(err)
	}
	n, err := c.r.Read(p)
	c.n += uint64(n)
	if c.onProgress != nil {
		c.onProgress(c.n)
	}
	return n, translateCancellation(err)
}

// translateCancellation maps a context cancellation or deadline error to the
// domain-level ErrCancelled sentinel so callers can branch with errors.Is
// instead of reaching into context. Any other error (including nil) passes
// through unchanged.
func translateCancellation(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return xerrors.ErrCancelled
	}
	return err
}
