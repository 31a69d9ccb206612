// Package fs implements a stores.Store over a local directory, for file:// URLs.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.snapstore.dev/core/stores"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of a file:// store URL.
type StoreQueryArgs struct {
	// NoSync skips the fsync of written content before it's renamed into place.
	NoSync bool
}

type store struct {
	args StoreQueryArgs
	root string
}

// New creates a new filesystem Store rooted at the path of the provided URL,
// which must be an existing directory.
func New(ep *url.URL) (stores.Store, error) {
	var s = &store{root: filepath.FromSlash(ep.Path)}

	if err := stores.ParseStoreArgs(ep, &s.args); err != nil {
		return nil, err
	} else if s.root == "" {
		return nil, fmt.Errorf("file:// store URL must include a directory path")
	}
	return s, nil
}

func (s store) Provider() string { return "fs" }

func (s store) SignGet(path string, _ time.Duration) (string, error) {
	return "file://" + filepath.ToSlash(s.fsPath(path)), nil
}

func (s store) Exists(_ context.Context, path string) (bool, error) {
	if _, err := os.Stat(s.fsPath(path)); os.IsNotExist(err) {
		return false, nil
	} else if err == nil {
		return true, nil
	} else {
		return false, err
	}
}

func (s store) Get(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(s.fsPath(path))
}

// Put writes content to a temporary file in the destination directory,
// and then renames it into place. Readers observe either the previous
// content or the complete new content.
func (s store) Put(_ context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	if _, err := os.Stat(s.root); err != nil {
		return fmt.Errorf("%s %s: %w", invalidFileStoreDirectory, s.root, err)
	}
	var fsPath = s.fsPath(path)

	if err := os.MkdirAll(filepath.Dir(fsPath), 0750); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(fsPath), ".partial-"+filepath.Base(fsPath))
	if err != nil {
		return err
	}

	defer func(name string) {
		if rmErr := os.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithFields(log.Fields{"err": rmErr, "path": fsPath}).
				Warn("failed to cleanup temp file")
		}
	}(f.Name())

	// io.Copy only needs io.Reader, so we use io.NewSectionReader to adapt io.ReaderAt
	_, err = io.Copy(f, io.NewSectionReader(content, 0, contentLength))

	if err == nil && !s.args.NoSync {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(f.Name(), fsPath)
	}
	return err
}

func (s store) List(_ context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	var dir = s.fsPath(prefix)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return filepath.Walk(dir,
		func(name string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			} else if info.IsDir() {
				return nil // Descend into directory.
			} else if strings.HasPrefix(info.Name(), ".partial-") {
				return nil // In-progress Put.
			}

			relPath, err := filepath.Rel(dir, name)
			if err != nil {
				return err
			}
			return callback(filepath.ToSlash(relPath), info.ModTime())
		})
}

func (s store) Remove(_ context.Context, path string) error {
	return os.Remove(s.fsPath(path))
}

func (s store) IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrPermission) || strings.Contains(err.Error(), invalidFileStoreDirectory)
}

func (s store) IsNotFound(err error) bool {
	return errors.Is(err, iofs.ErrNotExist) && !strings.Contains(err.Error(), invalidFileStoreDirectory)
}

func (s store) fsPath(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

const invalidFileStoreDirectory = "invalid file store directory"
