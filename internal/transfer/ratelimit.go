package transfer

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateLimitBurst is the token bucket burst size: one AEAD chunk's worth of
// plaintext (a chunk on the wire is 20 bytes larger). Writes are split and
// reads are capped at this size, so no single wait asks for more tokens than
// the bucket can hold.
const rateLimitBurst = 64 * 1024

// newRateLimitedWriter wraps w so that writes are throttled to
// bytesPerSecond. A non-positive rate disables limiting entirely.
func newRateLimitedWriter(ctx context.Context, w io.Writer, bytesPerSecond int64) io.Writer {
	if bytesPerSecond <= 0 {
		return w
	}
	return &rateLimitedWriter{w: w, limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), rateLimitBurst), ctx: ctx}
}

// newRateLimitedReader wraps r so that reads are throttled to
// bytesPerSecond. A non-positive rate disables limiting entirely.
func newRateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	return &rateLimitedReader{r: r, limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), rateLimitBurst), ctx: ctx}
}

type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func (w *rateLimitedWriter) Write(p []byte) (int, error) {
	select {
	case <-w.ctx.Done():
		return 0, translateCancellation(w.ctx.Err())
	default:
	}

	totalWritten := 0
	for len(p) > 0 {
		chunkSize := len(p)
		if chunkSize > rateLimitBurst {
			chunkSize = rateLimitBurst
		}
		if err := w.limiter.WaitN(w.ctx, chunkSize); err != nil {
			return totalWritten, translateCancellation(err)
		}
		n, err := w.w.Write(p[:chunkSize])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}
		if n < chunkSize {
			return totalWritten, io.ErrShortWrite
		}
		p = p[chunkSize:]
	}
	return totalWritten, nil
}

type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, translateCancellation(r.ctx.Err())
	default:
	}

	if len(p) > rateLimitBurst {
		p = p[:rateLimitBurst]
	}
	n, err := r.r.Read(p)
	if n <= 0 {
		return n, translateCancellation(err)
	}
	if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
		return n, translateCancellation(waitErr)
	}
	return n, translateCancellation(err)
}
