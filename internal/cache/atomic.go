package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nhle/mailattach/internal/model"
)

// writeAtomic streams r into a temp file inside dir and renames it to
// final once complete. The temp file is removed on every failure path,
// including cancellation, so a partial write is never visible under the
// final name. A non-negative expected length is enforced exactly.
func writeAtomic(
	ctx context.Context,
	dir string,
	final string,
	r io.Reader,
	expected int64,
	onWrite func(written int64),
) (int64, error) {
	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return 0, model.NewError(
			model.KindStorageUnavailable, "write",
			fmt.Errorf("creating temp file in %s: %w", dir, err),
		)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	w := &countingWriter{w: tmp, onWrite: onWrite}
	_, copyErr := io.Copy(w, &ctxReader{ctx: ctx, r: r})
	if copyErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return w.n, model.Canceled("write", ctxErr)
		}
		if errors.Is(copyErr, errSourceRead) {
			return w.n, model.NewError(model.KindRemoteError, "write", copyErr)
		}
		return w.n, model.NewError(model.KindStorageUnavailable, "write", copyErr)
	}

	if expected >= 0 && w.n != expected {
		return w.n, model.Errorf(
			model.KindCorruptPayload, "write",
			"wrote %d bytes, expected %d", w.n, expected,
		)
	}

	if err := tmp.Sync(); err != nil {
		return w.n, model.NewError(model.KindStorageUnavailable, "write", fmt.Errorf("syncing: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return w.n, model.NewError(model.KindStorageUnavailable, "write", fmt.Errorf("closing: %w", err))
	}

	if err := ctx.Err(); err != nil {
		return w.n, model.Canceled("write", err)
	}

	if err := os.Rename(tmpName, final); err != nil {
		return w.n, model.NewError(
			model.KindStorageUnavailable, "write",
			fmt.Errorf("renaming into %s: %w", final, err),
		)
	}
	committed = true

	return w.n, nil
}

// errSourceRead marks failures of the reader being copied, as opposed to
// failures writing to disk.
var errSourceRead = errors.New("reading source")

// ctxReader aborts a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %w", errSourceRead, err)
	}
	return n, err
}

// countingWriter reports the running byte count after every write.
type countingWriter struct {
	w       io.Writer
	n       int64
	onWrite func(int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if c.onWrite != nil && n > 0 {
		c.onWrite(c.n)
	}
	return n, err
}
