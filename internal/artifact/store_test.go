package artifact

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o644))
}

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "backups")
	require.NoError(t, os.MkdirAll(root, 0o755))
	s, err := New(root)
	require.NoError(t, err)
	s.SetLocation(time.UTC)
	return s, root
}

func byName(entries []Entry) map[string]Entry {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	return m
}

func TestListSizes(t *testing.T) {
	s, root := newStore(t)
	write(t, filepath.Join(root, "a.sql"), 10)
	write(t, filepath.Join(root, "b", "c.txt"), 5)
	write(t, filepath.Join(root, "b", "d.txt"), 7)

	entries, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	m := byName(entries)
	assert.Equal(t, int64(10), m["a.sql"].Size)
	assert.Equal(t, TypeFile, m["a.sql"].Type)
	assert.Equal(t, "10 B", m["a.sql"].SizeFormatted)
	assert.Equal(t, int64(12), m["b"].Size)
	assert.Equal(t, TypeDirectory, m["b"].Type)
}

func TestDirSizeNestedAndStable(t *testing.T) {
	_, root := newStore(t)
	dir := filepath.Join(root, "site")
	want := int64(0)
	for i, rel := range []string{"a", "x/b", "x/y/c", "x/y/z/d", "w/e"} {
		write(t, filepath.Join(dir, rel), (i+1)*100)
		want += int64((i + 1) * 100)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty", "deeper"), 0o755))

	for i := 0; i < 3; i++ {
		got, err := DirSize(context.Background(), dir)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDirSizeIgnoresSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	_, root := newStore(t)
	outside := filepath.Join(filepath.Dir(root), "big")
	write(t, outside, 1000)
	dir := filepath.Join(root, "site")
	write(t, filepath.Join(dir, "f"), 3)
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link")))

	got, err := DirSize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestListDatesAndOrder(t *testing.T) {
	s, root := newStore(t)
	write(t, filepath.Join(root, "site-2024-01-02_03-04-05"), 1)
	write(t, filepath.Join(root, "db-20230506-0708.sql.gz"), 1)
	plain := filepath.Join(root, "notes.txt")
	write(t, plain, 1)
	mtime := time.Date(2022, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, os.Chtimes(plain, mtime, mtime))

	entries, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "site-2024-01-02_03-04-05", entries[0].Name)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), entries[0].Date)
	assert.Equal(t, "db-20230506-0708.sql.gz", entries[1].Name)
	assert.Equal(t, time.Date(2023, 5, 6, 7, 8, 0, 0, time.UTC), entries[1].Date)
	assert.Equal(t, "notes.txt", entries[2].Name)
	assert.True(t, mtime.Equal(entries[2].Date))
}

func TestParseNameDate(t *testing.T) {
	cases := []struct {
		name string
		want time.Time
		ok   bool
	}{
		{"site-2024-01-02_03-04-05", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"2024-01-02-03-04-05.tar", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), true},
		{"wp_20240102", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), true},
		{"wp_20240102-2359.zip", time.Date(2024, 1, 2, 23, 59, 0, 0, time.UTC), true},
		{"2024-13-40_00-00-00", time.Time{}, false},
		{"id-123456789012", time.Time{}, false},
		{"20241399", time.Time{}, false},
		{"latest", time.Time{}, false},
	}
	for _, c := range cases {
		got, ok := ParseNameDate(c.name, time.UTC)
		assert.Equal(t, c.ok, ok, c.name)
		if c.ok {
			assert.Equal(t, c.want, got, c.name)
		}
	}
}

func TestTraversalRejected(t *testing.T) {
	s, root := newStore(t)
	parent := filepath.Dir(root)
	victim := filepath.Join(parent, "victim.txt")
	write(t, victim, 4)
	write(t, filepath.Join(parent, "backups2", "f"), 1)
	write(t, filepath.Join(root, "ok"), 1)

	names := []string{
		"",
		".",
		"..",
		"../victim.txt",
		"ok/../../victim.txt",
		"../backups2/f",
		victim,
		"/etc/passwd",
		"a\x00b",
	}
	for _, n := range names {
		_, err := s.Fetch(context.Background(), n)
		assert.ErrorIs(t, err, ErrPathTraversal, "fetch %q", n)
		assert.ErrorIs(t, s.Delete(n), ErrPathTraversal, "delete %q", n)
	}
	_, err := os.Stat(victim)
	assert.NoError(t, err, "outside file must survive")
}

func TestAbsoluteNameInsideRoot(t *testing.T) {
	s, root := newStore(t)
	write(t, filepath.Join(root, "a.sql"), 2)
	e, err := s.Stat(context.Background(), filepath.Join(root, "a.sql"))
	require.NoError(t, err)
	assert.Equal(t, "a.sql", e.Name)
	assert.Equal(t, int64(2), e.Size)
}

func TestSymlinkEscapeRejected(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	s, root := newStore(t)
	outside := filepath.Join(filepath.Dir(root), "secret")
	write(t, filepath.Join(outside, "key"), 8)
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	_, err := s.Fetch(context.Background(), "escape")
	assert.ErrorIs(t, err, ErrPathTraversal)
	_, err = s.Fetch(context.Background(), "escape/key")
	assert.ErrorIs(t, err, ErrPathTraversal)
	assert.ErrorIs(t, s.Delete("escape"), ErrPathTraversal)
	_, err = os.Stat(filepath.Join(outside, "key"))
	assert.NoError(t, err)

	entries, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(0), entries[0].Size)
}

func TestSymlinkInsideRootFollowed(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	s, root := newStore(t)
	write(t, filepath.Join(root, "site-2024-01-02_03-04-05", "db.sql"), 6)
	require.NoError(t, os.Symlink(filepath.Join(root, "site-2024-01-02_03-04-05"), filepath.Join(root, "latest")))

	m := map[string]Entry{}
	entries, err := s.List(context.Background())
	require.NoError(t, err)
	for _, e := range entries {
		m[e.Name] = e
	}
	assert.Equal(t, int64(6), m["latest"].Size)
	assert.Equal(t, TypeDirectory, m["latest"].Type)

	dl, err := s.Fetch(context.Background(), "latest")
	require.NoError(t, err)
	defer func() { _ = dl.Close() }()
	assert.Equal(t, "latest.zip", dl.Filename)
}

func TestDanglingSymlinkListedAndDeletable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks")
	}
	s, root := newStore(t)
	outside := filepath.Join(filepath.Dir(root), "kept")
	write(t, outside, 4)
	require.NoError(t, os.Symlink(filepath.Join(root, "gone"), filepath.Join(root, "stale")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	m := byName(mustList(t, s))
	require.Contains(t, m, "stale")
	assert.Equal(t, int64(0), m["stale"].Size)

	_, err := s.Fetch(context.Background(), "stale")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete("stale"))
	_, err = os.Lstat(filepath.Join(root, "stale"))
	assert.True(t, os.IsNotExist(err))
	assert.ErrorIs(t, s.Delete("stale"), ErrNotFound)

	// links that resolve outside the root are still refused
	assert.ErrorIs(t, s.Delete("escape"), ErrPathTraversal)
	_, err = os.Stat(outside)
	assert.NoError(t, err)
	assert.NotContains(t, byName(mustList(t, s)), "stale")
}

func mustList(t *testing.T, s *Store) []Entry {
	t.Helper()
	entries, err := s.List(context.Background())
	require.NoError(t, err)
	return entries
}

func TestFetchFile(t *testing.T) {
	s, root := newStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.sql"), []byte("SELECT 1;\n"), 0o644))

	dl, err := s.Fetch(context.Background(), "a.sql")
	require.NoError(t, err)
	defer func() { _ = dl.Close() }()

	b, err := io.ReadAll(dl)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1;\n", string(b))
	assert.Equal(t, "application/octet-stream", dl.ContentType)
	assert.Equal(t, "a.sql", dl.Filename)
	assert.Equal(t, int64(10), dl.Size)
}

func TestFetchDirectoryAsZip(t *testing.T) {
	s, root := newStore(t)
	dir := filepath.Join(root, "site")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "wp-content", "uploads"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db.sql"), []byte(strings.Repeat("INSERT;", 100)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wp-content", "a.php"), []byte("<?php"), 0o644))

	dl, err := s.Fetch(context.Background(), "site")
	require.NoError(t, err)
	assert.Equal(t, "application/zip", dl.ContentType)
	assert.Equal(t, "site.zip", dl.Filename)
	assert.Equal(t, int64(-1), dl.Size)

	b, err := io.ReadAll(dl)
	require.NoError(t, err)
	require.NoError(t, dl.Close())

	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"db.sql", "wp-content/", "wp-content/a.php", "wp-content/uploads/"}, names)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, strings.Repeat("INSERT;", 100), string(content))
	assert.Equal(t, zip.Deflate, zr.File[0].Method)
}

func TestFetchDirectoryCloseEarly(t *testing.T) {
	s, root := newStore(t)
	for i := 0; i < 20; i++ {
		write(t, filepath.Join(root, "big", "f"+string(rune('a'+i))), 64*1024)
	}
	dl, err := s.Fetch(context.Background(), "big")
	require.NoError(t, err)
	buf := make([]byte, 512)
	_, err = io.ReadFull(dl, buf)
	require.NoError(t, err)
	assert.NoError(t, dl.Close())
}

func TestWriteZipCancelled(t *testing.T) {
	_, root := newStore(t)
	write(t, filepath.Join(root, "d", "f"), 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WriteZip(ctx, io.Discard, filepath.Join(root, "d"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeleteThenNotFound(t *testing.T) {
	s, root := newStore(t)
	write(t, filepath.Join(root, "a.sql"), 10)
	write(t, filepath.Join(root, "b", "c.txt"), 5)

	require.NoError(t, s.Delete("b"))
	require.NoError(t, s.Delete("a.sql"))

	entries, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)

	for _, n := range []string{"a.sql", "b"} {
		_, err := s.Fetch(context.Background(), n)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.Delete(n), ErrNotFound)
	}
}

func TestListMissingRoot(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	_, err = s.List(context.Background())
	assert.Error(t, err)
}
