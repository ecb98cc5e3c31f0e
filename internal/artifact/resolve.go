package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound      = errors.New("artifact not found")
	ErrPathTraversal = errors.New("path traversal")
)

// target is an artifact name resolved against the root.
type target struct {
	name string
	path string      // lexical path under root, used for deletion
	real string      // symlink-free path, used for reading
	info fs.FileInfo // stat of real
}

// locate is the path-safety check shared by every operation that accepts an
// external name. The name is resolved against the root (absolute names
// resolve to themselves), must land strictly inside it, and its symlink-free
// form must stay inside the symlink-free root. Only then is existence checked.
func (s *Store) locate(name string) (*target, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return nil, fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	var p string
	if filepath.IsAbs(name) {
		p = filepath.Clean(name)
	} else {
		p = filepath.Join(s.root, name)
	}
	if !within(s.root, p) {
		return nil, fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}

	if _, err := os.Lstat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	realRoot, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// dangling link
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	if !within(realRoot, real) {
		return nil, fmt.Errorf("%w: %q", ErrPathTraversal, name)
	}
	info, err := os.Stat(real)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	return &target{name: name, path: p, real: real, info: info}, nil
}

// danglingLink returns the lexical path of name when it is a symbolic link
// that resolves nowhere and sits in a directory inside the root.
func (s *Store) danglingLink(name string) (string, bool) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", false
	}
	p := filepath.Clean(name)
	if !filepath.IsAbs(name) {
		p = filepath.Join(s.root, name)
	}
	if !within(s.root, p) {
		return "", false
	}
	info, err := os.Lstat(p)
	if err != nil || info.Mode()&fs.ModeSymlink == 0 {
		return "", false
	}
	if _, err := os.Stat(p); !errors.Is(err, fs.ErrNotExist) {
		return "", false
	}
	realRoot, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return "", false
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(p))
	if err != nil || (dir != realRoot && !within(realRoot, dir)) {
		return "", false
	}
	return p, true
}

// within reports whether p lies strictly below root. Both must be clean.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
