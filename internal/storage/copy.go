package storage

import (
	"context"
	"fmt"
)

// Copy copies src to dst. Within one backend it copies server-side; a local
// source is handed to the destination's file uploader; anything else is
// streamed through this process.
func Copy(ctx context.Context, src, dst Path, opts PutOptions) error {
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	if err := dst.MkdirParents(ctx); err != nil {
		return err
	}

	if src.SameBackend(dst) {
		if c, ok := src.backend.(Copier); ok {
			if err := c.CopyWithin(ctx, src.key, dst.key); err != nil {
				return fmt.Errorf("copying %s to %s: %w", src, dst, err)
			}
			return nil
		}
	}

	if local, ok := src.LocalPath(); ok {
		if up, ok := dst.backend.(FileUploader); ok {
			if err := up.PutFile(ctx, dst.key, local, opts); err != nil {
				return fmt.Errorf("uploading %s to %s: %w", src, dst, err)
			}
			return nil
		}
	}

	info, err := src.Stat(ctx)
	if err != nil {
		return err
	}
	if !info.Exists {
		return fmt.Errorf("copying %s: %w", src, ErrNotExist)
	}
	r, err := src.Open(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := dst.Put(ctx, r, info.Size, opts); err != nil {
		return fmt.Errorf("streaming %s to %s: %w", src, dst, err)
	}
	return nil
}

// Rename moves src to dst, natively when both share a backend that supports
// it and by copy + delete otherwise.
func Rename(ctx context.Context, src, dst Path) error {
	if src.SameBackend(dst) {
		if r, ok := src.backend.(Renamer); ok {
			return r.Rename(ctx, src.key, dst.key)
		}
	}
	if err := Copy(ctx, src, dst, PutOptions{}); err != nil {
		return err
	}
	if err := src.Delete(ctx); err != nil {
		return fmt.Errorf("removing %s after copy: %w", src, err)
	}
	return nil
}

// CopyIfExists copies src to dst and reports false when src is absent.
func CopyIfExists(ctx context.Context, src, dst Path) (bool, error) {
	err := Copy(ctx, src, dst, PutOptions{})
	if IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
