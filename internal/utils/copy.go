package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// CopyChunkSize is the unit of work between two cancellation checks.
const CopyChunkSize = 4 * 1024

// ErrCopyCancelled is returned by Copy when its context is done mid-transfer.
var ErrCopyCancelled = errors.New("copy cancelled")

// Copy copies src to dst in CopyChunkSize chunks and checks ctx between chunks.
// Every chunk that was read is written in full before the next check, so on
// cancellation dst holds exactly the first n bytes of src.
func Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, CopyChunkSize)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("%w after %d bytes: %w", ErrCopyCancelled, written, context.Cause(ctx))
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}

		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
