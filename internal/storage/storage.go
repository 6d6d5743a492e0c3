// Package storage is the on-disk boundary: reading files to upload and
// writing files received in trades.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cosmqc/swapbytes/internal/errs"
)

// Store reads uploads and writes received files under a download directory.
type Store struct {
	downloadDir string
	maxSize     int64
}

// New creates a store writing into downloadDir. maxSize bounds uploads;
// zero means unlimited.
func New(downloadDir string, maxSize int64) *Store {
	if downloadDir == "" {
		downloadDir = "."
	}
	return &Store{downloadDir: downloadDir, maxSize: maxSize}
}

// DownloadDir returns the directory received files are written to.
func (s *Store) DownloadDir() string {
	return s.downloadDir
}

// ReadFile reads a file the user wants to publish.
func (s *Store) ReadFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIOFailure, "cannot read "+path, err)
	}
	if info.IsDir() {
		return nil, errs.Newf(errs.CodeIOFailure, "%s is a directory", path)
	}
	if s.maxSize > 0 && info.Size() > s.maxSize {
		return nil, errs.Newf(errs.CodeInvalidArgument, "%s is %d bytes, the limit is %d", path, info.Size(), s.maxSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIOFailure, "cannot read "+path, err)
	}
	return data, nil
}

// WriteReceivedFile stores content under a sanitised form of suggestedName
// and returns the path written. Existing files are never overwritten;
// a " (n)" suffix is added instead.
func (s *Store) WriteReceivedFile(content []byte, suggestedName string) (string, error) {
	if err := os.MkdirAll(s.downloadDir, 0o755); err != nil {
		return "", errs.Wrap(errs.CodeIOFailure, "cannot create download directory", err)
	}
	name := SanitizeName(suggestedName)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 0; n < 1000; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		path := filepath.Join(s.downloadDir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", errs.Wrap(errs.CodeIOFailure, "cannot create "+path, err)
		}
		if _, err := f.Write(content); err != nil {
			f.Close()
			os.Remove(path)
			return "", errs.Wrap(errs.CodeIOFailure, "cannot write "+path, err)
		}
		if err := f.Close(); err != nil {
			return "", errs.Wrap(errs.CodeIOFailure, "cannot write "+path, err)
		}
		return path, nil
	}
	return "", errs.Newf(errs.CodeIOFailure, "too many files named %s", name)
}

// SanitizeName reduces a peer-supplied name to a safe base name.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return "received"
	}
	return name
}
