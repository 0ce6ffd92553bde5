// Package xerrors defines the error kinds HyperStream's core surfaces, per
// the error handling table in the transfer protocol specification. Every
// kind is a sentinel or a wrapped type so callers branch with errors.Is/As
// instead of matching strings.
package xerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors with no associated cause.
var (
	// ErrInvalidKeyLength is returned when a parsed topic key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("hyperstream: invalid key length, expected 32 bytes")

	// ErrRendezvousTimeout is returned when no peer connects within the
	// rendezvous deadline.
	ErrRendezvousTimeout = errors.New("hyperstream: rendezvous timed out waiting for peer")

	// ErrAuthenticationFailure is returned when an AEAD chunk's tag fails to
	// verify.
	ErrAuthenticationFailure = errors.New("hyperstream: chunk authentication failed")

	// ErrTruncatedStream is returned when EOF is observed before the AEAD
	// end marker.
	ErrTruncatedStream = errors.New("hyperstream: stream truncated before end marker")

	// ErrTrailingBytesAfterEnd is returned when bytes follow the AEAD end
	// marker.
	ErrTrailingBytesAfterEnd = errors.New("hyperstream: trailing bytes after end marker")

	// ErrInvalidCompressionFlag is returned when the first payload byte is
	// not 0x00 or 0x01.
	ErrInvalidCompressionFlag = errors.New("hyperstream: invalid compression flag byte")

	// ErrDecompressionError is returned when the zstd decoder rejects a
	// frame (including truncation).
	ErrDecompressionError = errors.New("hyperstream: decompression failed")

	// ErrUnsafeArchivePath is returned when an archive entry name would
	// escape the extraction destination.
	ErrUnsafeArchivePath = errors.New("hyperstream: unsafe archive path")

	// ErrArchiveFormatError is returned for a malformed tar stream.
	ErrArchiveFormatError = errors.New("hyperstream: malformed archive stream")

	// ErrChunkTooLarge is returned when a decoded chunk declares a length
	// exceeding the 64KiB cap.
	ErrChunkTooLarge = errors.New("hyperstream: chunk exceeds maximum size")

	// ErrCancelled is returned when the user cancels an in-progress
	// transfer.
	ErrCancelled = errors.New("hyperstream: transfer cancelled")

	// ErrNonceExhausted is returned if an encryption session would need to
	// reuse a chunk counter value.
	ErrNonceExhausted = errors.New("hyperstream: chunk counter exhausted")
)

// RendezvousFailedError wraps a DHT-layer failure.
type RendezvousFailedError struct {
	Cause error
}

func (e *RendezvousFailedError) Error() string {
	return fmt.Sprintf("hyperstream: rendezvous failed: %v", e.Cause)
}

func (e *RendezvousFailedError) Unwrap() error { return e.Cause }

// NewRendezvousFailed wraps cause as a RendezvousFailedError.
func NewRendezvousFailed(cause error) error {
	return &RendezvousFailedError{Cause: cause}
}

// IoError wraps an underlying disk or socket failure.
type IoError struct {
	Op    string
	Cause error
}

func (e *IoError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("hyperstream: io error: %v", e.Cause)
	}
	return fmt.Sprintf("hyperstream: io error during %s: %v", e.Op, e.Cause)
}

func (e *IoError) Unwrap() error { return e.Cause }

// NewIoError wraps cause as an IoError tagged with the operation name.
func NewIoError(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &IoError{Op: op, Cause: cause}
}
