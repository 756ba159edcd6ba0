// Package applytarget pushes verified program payloads to the production
// location testers load from.
package applytarget

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Target receives the verified payload for one draft. src is the local
// directory holding the draft's files; implementations must be safe to call
// again for the same draft after a partial failure.
type Target interface {
	Push(ctx context.Context, src, draftID string) error
}

// Dir copies payloads into a per-draft subdirectory of Root. Files are
// written to a temporary name and renamed so a reader never observes a
// partially copied file.
type Dir struct {
	Root string
}

func NewDir(root string) (*Dir, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("apply target root is empty")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create apply target root: %w", err)
	}
	return &Dir{Root: root}, nil
}

func (d *Dir) Push(ctx context.Context, src, draftID string) error {
	if src == "" {
		return fmt.Errorf("no local payload for draft %s", draftID)
	}
	dest := filepath.Join(d.Root, draftID)
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	return filepath.WalkDir(src, func(path string, ent fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dest, rel)
		if ent.IsDir() {
			if rel == "." {
				return nil
			}
			return os.MkdirAll(out, 0o750)
		}
		return copyFile(path, out)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dest + ".part"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
