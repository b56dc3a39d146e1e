package registry

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// removeTree deletes root and everything under it. A failure on one entry does
// not stop its siblings from being removed; all failures are collected.
func removeTree(root string) error {
	clean := filepath.Clean(root)
	if root == "" || !filepath.IsAbs(clean) || clean == filepath.VolumeName(clean)+string(filepath.Separator) {
		return &FilesystemError{Path: root, Err: errors.New("refusing to remove unsafe path")}
	}
	var failed []string
	var firstErr error
	var walk func(p string) bool
	walk = func(p string) bool {
		fi, err := os.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return true
		}
		if err != nil {
			failed, firstErr = append(failed, p), firstOf(firstErr, err)
			return false
		}
		if fi.IsDir() {
			entries, err := os.ReadDir(p)
			if err != nil {
				failed, firstErr = append(failed, p), firstOf(firstErr, err)
				return false
			}
			ok := true
			for _, ent := range entries {
				if !walk(filepath.Join(p, ent.Name())) {
					ok = false
				}
			}
			if !ok {
				// the directory cannot go while children remain
				return false
			}
		}
		if err := removeEntry(p, fi.IsDir()); err != nil {
			failed, firstErr = append(failed, p), firstOf(firstErr, err)
			return false
		}
		return true
	}
	walk(clean)
	if len(failed) > 0 {
		return &FilesystemError{Path: clean, Failed: failed, Err: firstErr}
	}
	return nil
}

// removeEntry retries once with write permission; git object files are read-only
// and cannot be removed on Windows otherwise.
func removeEntry(p string, dir bool) error {
	err := os.Remove(p)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	mode := os.FileMode(0o600)
	if dir {
		mode = 0o700
	}
	if cerr := os.Chmod(p, mode); cerr != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func firstOf(cur, next error) error {
	if cur != nil {
		return cur
	}
	return next
}
