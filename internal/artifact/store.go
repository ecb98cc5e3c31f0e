// Package artifact exposes the backup artifacts below a root directory:
// listing with recursive sizes, streaming single files or on-the-fly zip
// archives of directories, and deletion. Every call re-reads the filesystem.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
)

// Entry types.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
)

// Entry describes one top-level artifact.
type Entry struct {
	Name          string    `json:"name"`
	Size          int64     `json:"size"`
	SizeFormatted string    `json:"sizeFormatted"`
	Date          time.Time `json:"date"`
	Type          string    `json:"type"`
}

// Download is an open artifact stream. Close must always be called.
type Download struct {
	io.ReadCloser
	Name        string
	Filename    string // suggested download filename
	ContentType string
	Size        int64 // -1 when unknown (archives)
	ModTime     time.Time
}

type Store struct {
	root string
	loc  *time.Location
}

// New returns a store rooted at root. The root is made absolute and clean.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifact root %q: %w", root, err)
	}
	return &Store{root: abs, loc: time.Local}, nil
}

// SetLocation sets the zone embedded name timestamps are interpreted in.
func (s *Store) SetLocation(loc *time.Location) {
	if loc != nil {
		s.loc = loc
	}
}

func (s *Store) Root() string { return s.root }

// List returns one entry per top-level filesystem entry under the root,
// newest first. Entries that vanish while listing are skipped.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	des, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read artifact root: %w", err)
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := s.entry(ctx, de.Name())
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].Name < out[j].Name
		}
		return out[i].Date.After(out[j].Date)
	})
	return out, nil
}

func (s *Store) entry(ctx context.Context, name string) (Entry, error) {
	p := filepath.Join(s.root, name)
	info, err := os.Lstat(p)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Name: name, Type: TypeFile}
	modTime := info.ModTime()

	switch {
	case info.IsDir():
		e.Type = TypeDirectory
		if e.Size, err = DirSize(ctx, p); err != nil {
			return Entry{}, err
		}
	case info.Mode().IsRegular():
		e.Size = info.Size()
	case info.Mode()&fs.ModeSymlink != 0:
		// links are measured only when they resolve inside the root
		if t, err := s.locate(name); err == nil {
			modTime = t.info.ModTime()
			if t.info.IsDir() {
				e.Type = TypeDirectory
				if e.Size, err = DirSize(ctx, t.real); err != nil {
					return Entry{}, err
				}
			} else if t.info.Mode().IsRegular() {
				e.Size = t.info.Size()
			}
		}
	}

	e.SizeFormatted = humanize.IBytes(uint64(e.Size))
	if t, ok := ParseNameDate(name, s.loc); ok {
		e.Date = t.UTC()
	} else {
		e.Date = modTime.UTC()
	}
	return e, nil
}

// Stat resolves name and reports its entry without opening it.
func (s *Store) Stat(ctx context.Context, name string) (Entry, error) {
	t, err := s.locate(name)
	if err != nil {
		return Entry{}, err
	}
	rel, err := filepath.Rel(s.root, t.path)
	if err != nil {
		return Entry{}, err
	}
	return s.entry(ctx, rel)
}

// Fetch opens the artifact for reading. A regular file streams its bytes;
// a directory streams a zip archive built while the caller reads. Cancelling
// ctx or closing the download stops archive production.
func (s *Store) Fetch(ctx context.Context, name string) (*Download, error) {
	t, err := s.locate(name)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(t.path)

	if t.info.IsDir() {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(WriteZip(ctx, pw, t.real))
		}()
		return &Download{
			ReadCloser:  pr,
			Name:        name,
			Filename:    base + ".zip",
			ContentType: "application/zip",
			Size:        -1,
			ModTime:     t.info.ModTime(),
		}, nil
	}
	if !t.info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, name)
	}
	f, err := os.Open(t.real) // #nosec G304 -- path checked by locate
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	return &Download{
		ReadCloser:  f,
		Name:        name,
		Filename:    base,
		ContentType: "application/octet-stream",
		Size:        t.info.Size(),
		ModTime:     t.info.ModTime(),
	}, nil
}

// Delete removes the artifact recursively. A missing artifact is ErrNotFound.
// A dangling link inside the root is removed itself.
func (s *Store) Delete(name string) error {
	t, err := s.locate(name)
	if errors.Is(err, ErrNotFound) {
		if p, ok := s.danglingLink(name); ok {
			if err := os.Remove(p); err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			return nil
		}
	}
	if err != nil {
		return err
	}
	if err := os.RemoveAll(t.path); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}
