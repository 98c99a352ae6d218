// Package platform holds the host-specific pieces of attachment handling:
// the downloads folder, the file viewer and user notifications.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nhle/mailattach/internal/model"
)

// maxSuffix bounds the "name (n).ext" search for a free file name.
const maxSuffix = 1000

// Downloads saves resolved attachments into a user-visible directory.
type Downloads struct {
	dir string
}

// NewDownloads returns a Downloads rooted at dir. An empty dir selects
// ~/Downloads.
func NewDownloads(dir string) *Downloads {
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, "Downloads")
		}
	}
	return &Downloads{dir: dir}
}

// Dir returns the destination directory.
func (d *Downloads) Dir() string {
	return d.dir
}

// Save copies src into the downloads directory under name. An existing
// file is never overwritten: "name (1).ext", "name (2).ext" and so on are
// tried instead. The copy is written to a temp file first, so a failed
// save leaves nothing behind.
func (d *Downloads) Save(ctx context.Context, src string, name string) (string, error) {
	const op = "save download"

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", model.NewError(model.KindStorageUnavailable, op, fmt.Errorf("creating %s: %w", d.dir, err))
	}

	in, err := os.Open(src)
	if err != nil {
		return "", model.NewError(model.KindStorageUnavailable, op, fmt.Errorf("opening %s: %w", src, err))
	}
	defer in.Close()

	tmp, err := os.CreateTemp(d.dir, ".mailattach-*")
	if err != nil {
		return "", model.NewError(model.KindStorageUnavailable, op, fmt.Errorf("creating temp file: %w", err))
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: in}); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", model.Canceled(op, ctxErr)
		}
		return "", model.NewError(model.KindStorageUnavailable, op, fmt.Errorf("copying %s: %w", src, err))
	}
	if err := tmp.Close(); err != nil {
		return "", model.NewError(model.KindStorageUnavailable, op, fmt.Errorf("closing temp file: %w", err))
	}

	base := model.SafeName(name)
	if base == "" {
		base = filepath.Base(src)
	}

	dst, err := d.link(tmpName, base)
	if err != nil {
		return "", err
	}
	committed = true
	os.Remove(tmpName)
	return dst, nil
}

// link publishes tmp under the first free variant of base. os.Link fails
// when the target exists, which makes the claim atomic.
func (d *Downloads) link(tmp, base string) (string, error) {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := 0; i < maxSuffix; i++ {
		candidate := base
		if i > 0 {
			candidate = stem + " (" + strconv.Itoa(i) + ")" + ext
		}
		dst := filepath.Join(d.dir, candidate)

		err := os.Link(tmp, dst)
		if err == nil {
			return dst, nil
		}
		if errors.Is(err, os.ErrExist) {
			continue
		}

		// Filesystems without hard links: fall back to an existence check.
		if _, statErr := os.Lstat(dst); statErr == nil {
			continue
		}
		if err := os.Rename(tmp, dst); err != nil {
			return "", model.NewError(model.KindStorageUnavailable, "save download", fmt.Errorf("publishing %s: %w", dst, err))
		}
		return dst, nil
	}

	return "", model.Errorf(model.KindStorageUnavailable, "save download", "no free file name for %s", base)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
