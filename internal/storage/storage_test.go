package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cosmqc/swapbytes/internal/errs"
)

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	s := New(dir, 4)
	_, err := s.ReadFile(path)
	assert.True(t, errs.IsCode(err, errs.CodeInvalidArgument), "over the size limit")

	s = New(dir, 0)
	data, err := s.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = s.ReadFile(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, errs.ErrIOFailure)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = s.ReadFile(dir)
	assert.ErrorIs(t, err, errs.ErrIOFailure)
}

func TestWriteReceivedFile_NeverOverwrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "downloads")
	s := New(dir, 0)

	p1, err := s.WriteReceivedFile([]byte("one"), "notes.txt")
	require.NoError(t, err)
	p2, err := s.WriteReceivedFile([]byte("two"), "notes.txt")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "notes.txt"), p1)
	assert.Equal(t, filepath.Join(dir, "notes (1).txt"), p2)

	got, _ := os.ReadFile(p1)
	assert.Equal(t, "one", string(got))
	got, _ = os.ReadFile(p2)
	assert.Equal(t, "two", string(got))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "passwd", SanitizeName("../../etc/passwd"))
	assert.Equal(t, "evil.exe", SanitizeName(`..\..\evil.exe`))
	assert.Equal(t, "received", SanitizeName(""))
	assert.Equal(t, "received", SanitizeName(".."))
	assert.Equal(t, "ab", SanitizeName("a\x00b"))
	assert.Equal(t, "report.pdf", SanitizeName("report.pdf"))
}
