package fs

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/cuemby/playpen/pkg/runtime"
	securejoin "github.com/cyphar/filepath-securejoin"
)

// Provider hands out the booted sandbox, booting it on first use
type Provider interface {
	Boot(ctx context.Context) (runtime.Instance, error)
}

// Entry is one item of a directory listing
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

// Node is a file or directory in a tree listing. Path is relative to the
// sandbox root and uses forward slashes.
type Node struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	IsDir    bool    `json:"isDir"`
	Size     int64   `json:"size,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

// File is a path and its content
type File struct {
	Path string
	Data []byte
}

// WalkFunc is called for every entry below the walk root. rel is relative to
// the walk root and uses forward slashes.
type WalkFunc func(rel string, d iofs.DirEntry) error

// FS operates on the sandbox filesystem. Every path is interpreted relative
// to the sandbox root and cannot escape it.
type FS struct {
	sandbox Provider
}

// New creates a filesystem facade over the sandbox
func New(sandbox Provider) *FS {
	return &FS{sandbox: sandbox}
}

func (f *FS) resolve(ctx context.Context, p string) (string, error) {
	inst, err := f.sandbox.Boot(ctx)
	if err != nil {
		return "", err
	}
	full, err := securejoin.SecureJoin(inst.Root(), filepath.FromSlash(p))
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", p, err)
	}
	return full, nil
}

// WriteFile writes data to p, creating missing parent directories first
func (f *FS) WriteFile(ctx context.Context, p string, data []byte) error {
	full, err := f.resolve(ctx, p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create parent of %s: %w", p, err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

func (f *FS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	full, err := f.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// Mkdir creates p and any missing parents. An existing directory is not an error.
func (f *FS) Mkdir(ctx context.Context, p string) error {
	full, err := f.resolve(ctx, p)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0755)
}

// Remove deletes p recursively. A missing path is not an error.
func (f *FS) Remove(ctx context.Context, p string) error {
	full, err := f.resolve(ctx, p)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("failed to remove %s: %w", p, err)
	}
	return nil
}

// Clear empties the directory p and keeps the directory itself, so it also
// works on the sandbox root. A missing directory is not an error.
func (f *FS) Clear(ctx context.Context, p string) error {
	full, err := f.resolve(ctx, p)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", p, err)
	}
	for _, d := range entries {
		if err := os.RemoveAll(filepath.Join(full, d.Name())); err != nil {
			return fmt.Errorf("failed to clear %s: %w", p, err)
		}
	}
	return nil
}

func (f *FS) ReadDir(ctx context.Context, p string) ([]Entry, error) {
	full, err := f.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, d := range dirEntries {
		entries = append(entries, Entry{Name: d.Name(), IsDir: d.IsDir()})
	}
	return entries, nil
}

func (f *FS) Exists(ctx context.Context, p string) (bool, error) {
	full, err := f.resolve(ctx, p)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Walk visits every entry below root in lexical order, skipping directories
// whose name is in exclude
func (f *FS) Walk(ctx context.Context, root string, exclude []string, fn WalkFunc) error {
	full, err := f.resolve(ctx, root)
	if err != nil {
		return err
	}
	skip := toSet(exclude)

	return filepath.WalkDir(full, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == full {
			return nil
		}
		if d.IsDir() && skip[d.Name()] {
			return filepath.SkipDir
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(full, p)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), d)
	})
}

// ReadTree lists root recursively, leaving out directories whose name is in
// exclude at any depth
func (f *FS) ReadTree(ctx context.Context, root string, exclude []string) (*Node, error) {
	full, err := f.resolve(ctx, root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}

	rootPath := path.Clean("/" + filepath.ToSlash(root))[1:]
	node := &Node{
		Name:  path.Base("/" + rootPath),
		Path:  rootPath,
		IsDir: info.IsDir(),
		Size:  sizeOf(info),
	}
	if info.IsDir() {
		if err := readTree(ctx, full, node, toSet(exclude)); err != nil {
			return nil, err
		}
	}
	return node, nil
}

func readTree(ctx context.Context, dir string, parent *Node, skip map[string]bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, d := range entries {
		if d.IsDir() && skip[d.Name()] {
			continue
		}

		child := &Node{
			Name:  d.Name(),
			Path:  path.Join(parent.Path, d.Name()),
			IsDir: d.IsDir(),
		}
		if d.IsDir() {
			if err := readTree(ctx, filepath.Join(dir, d.Name()), child, skip); err != nil {
				return err
			}
		} else if info, err := d.Info(); err == nil {
			child.Size = sizeOf(info)
		}
		parent.Children = append(parent.Children, child)
	}
	return nil
}

// CollectFiles reads every regular file below root, skipping excluded
// directories. Paths are relative to root.
func (f *FS) CollectFiles(ctx context.Context, root string, exclude []string) ([]File, error) {
	full, err := f.resolve(ctx, root)
	if err != nil {
		return nil, err
	}

	var files []File
	err = f.Walk(ctx, root, exclude, func(rel string, d iofs.DirEntry) error {
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(filepath.Join(full, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
		files = append(files, File{Path: rel, Data: data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Mount writes a set of project files into the sandbox below dir
func (f *FS) Mount(ctx context.Context, dir string, files map[string][]byte) error {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := f.WriteFile(ctx, path.Join(dir, p), files[p]); err != nil {
			return err
		}
	}
	return nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func sizeOf(info iofs.FileInfo) int64 {
	if info.IsDir() {
		return 0
	}
	return info.Size()
}
