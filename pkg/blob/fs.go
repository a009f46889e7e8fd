package blob

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// FS is a filesystem-backed Store. It keeps a single version per key, so
// ListVersions reports one entry for every existing object.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FS{root: root}, nil
}

func (f *FS) Put(path string, data []byte) error {
	full := f.full(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, full)
}

func (f *FS) Get(path string) ([]byte, error) {
	data, err := os.ReadFile(f.full(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f *FS) List(prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if hasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (f *FS) ListVersions(prefix string) ([]VersionedKey, error) {
	keys, err := f.List(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]VersionedKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, VersionedKey{Key: k, Version: "1"})
	}
	return out, nil
}

func (f *FS) DeleteManyVersioned(keys []VersionedKey) error {
	for _, vk := range keys {
		err := os.Remove(f.full(vk.Key))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (f *FS) full(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}
