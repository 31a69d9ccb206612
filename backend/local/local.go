// Package local implements a backend.Backend which persists documents as
// files beneath a local directory:
//
//	<root>/snapshots/<id>.json
//	<root>/current.json
//	<root>/backups/<name>
//
// Every write goes to a temporary file in the destination directory, which
// is synced and then renamed over its final path. Readers observe either the
// previous file or the complete new one.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.snapstore.dev/core/backend"
	pb "go.snapstore.dev/core/protocol"
)

const (
	snapshotsDir = "snapshots"
	backupsDir   = "backups"
	pointerName  = "current.json"
	snapshotExt  = ".json"
	tmpExt       = ".tmp"
)

// Backend is a backend.Backend of files beneath a root directory.
type Backend struct {
	fs   afero.Fs
	root string
}

// New returns a Backend rooted at |root| of filesystem |fs|.
func New(fs afero.Fs, root string) *Backend {
	return &Backend{fs: fs, root: filepath.Clean(root)}
}

// Open returns a Backend of the OS filesystem for file:///path/to/root URLs.
func Open(_ context.Context, ep *url.URL) (backend.Backend, error) {
	if ep.Path == "" {
		return nil, &backend.ConfigurationError{
			Backend: "local",
			Message: fmt.Sprintf("file:// URL must include a directory path (%s)", ep),
		}
	}
	return New(afero.NewOsFs(), ep.Path), nil
}

// Root of the Backend.
func (b *Backend) Root() string { return b.root }

// Fs of the Backend.
func (b *Backend) Fs() afero.Fs { return b.fs }

func (b *Backend) Provider() string { return "local" }

func (b *Backend) WriteSnapshot(_ context.Context, id string, body []byte) error {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return err
	}
	return b.writeAtomic(b.snapshotPath(id), body)
}

func (b *Backend) ReadSnapshot(_ context.Context, id string) ([]byte, error) {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return nil, err
	}
	var body, err = afero.ReadFile(b.fs, b.snapshotPath(id))
	return body, b.mapErr(err)
}

func (b *Backend) ListSnapshotIDs(_ context.Context) ([]string, error) {
	var infos, err = afero.ReadDir(b.fs, filepath.Join(b.root, snapshotsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, b.mapErr(err)
	}

	var ids []string
	for _, info := range infos {
		var name = info.Name()
		if info.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, snapshotExt) {
			continue // Temporary files, and foreign content.
		}
		ids = append(ids, strings.TrimSuffix(name, snapshotExt))
	}
	return ids, nil
}

func (b *Backend) DeleteSnapshot(_ context.Context, id string) error {
	if err := pb.ValidateToken(id, 1, 128); err != nil {
		return err
	}
	return b.remove(b.snapshotPath(id))
}

func (b *Backend) WritePointer(_ context.Context, body []byte) error {
	return b.writeAtomic(b.pointerPath(), body)
}

func (b *Backend) ReadPointer(_ context.Context) ([]byte, error) {
	var body, err = afero.ReadFile(b.fs, b.pointerPath())
	return body, b.mapErr(err)
}

func (b *Backend) DeletePointer(_ context.Context) error {
	return b.remove(b.pointerPath())
}

func (b *Backend) WriteBackup(_ context.Context, name string, body []byte) error {
	if err := pb.ValidateToken(name, 1, 256); err != nil {
		return err
	}
	return b.writeAtomic(filepath.Join(b.root, backupsDir, name), body)
}

// CheckReady verifies the root directory is writable.
func (b *Backend) CheckReady(_ context.Context) error {
	var probe = filepath.Join(b.root, ".ready-"+uuid.NewString())

	if err := b.writeAtomic(probe, []byte("ready\n")); err != nil {
		return err
	}
	return b.remove(probe)
}

// PointerFingerprint returns the modification time and size of the pointer
// file, or "absent" if there is none.
func (b *Backend) PointerFingerprint(_ context.Context) (string, error) {
	var info, err = b.fs.Stat(b.pointerPath())
	if errors.Is(err, fs.ErrNotExist) {
		return "absent", nil
	} else if err != nil {
		return "", b.mapErr(err)
	}
	return fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size()), nil
}

// writeAtomic writes |body| to a temporary file alongside |name|, which is
// then synced and renamed to |name|. The temporary file is removed on failure.
func (b *Backend) writeAtomic(name string, body []byte) (err error) {
	var dir = filepath.Dir(name)
	if err = b.fs.MkdirAll(dir, 0750); err != nil {
		return b.mapErr(pkgerrors.WithMessage(err, "creating directory"))
	}

	var tmp = filepath.Join(dir, fmt.Sprintf(".%s.%d.%s%s",
		filepath.Base(name), time.Now().UnixNano(), uuid.NewString()[:8], tmpExt))

	f, err := b.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return b.mapErr(pkgerrors.WithMessage(err, "creating temporary file"))
	}

	defer func() {
		if err == nil {
			return
		}
		if rmErr := b.fs.Remove(tmp); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			log.WithFields(log.Fields{"err": rmErr, "path": tmp}).
				Warn("failed to cleanup temporary file")
		}
	}()

	if _, err = f.Write(body); err != nil {
		_ = f.Close()
		return b.mapErr(pkgerrors.WithMessage(err, "writing temporary file"))
	} else if err = f.Sync(); err != nil {
		_ = f.Close()
		return b.mapErr(pkgerrors.WithMessage(err, "syncing temporary file"))
	} else if err = f.Close(); err != nil {
		return b.mapErr(pkgerrors.WithMessage(err, "closing temporary file"))
	} else if err = b.fs.Rename(tmp, name); err != nil {
		return b.mapErr(pkgerrors.WithMessage(err, "renaming temporary file"))
	}
	return nil
}

func (b *Backend) remove(name string) error {
	return b.mapErr(b.fs.Remove(name))
}

func (b *Backend) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return backend.ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return &backend.ConfigurationError{
			Backend: "local",
			Message: fmt.Sprintf("permission denied beneath %s", b.root),
			Err:     err,
		}
	default:
		return err
	}
}

func (b *Backend) snapshotPath(id string) string {
	return filepath.Join(b.root, snapshotsDir, id+snapshotExt)
}

func (b *Backend) pointerPath() string { return filepath.Join(b.root, pointerName) }

var (
	_ backend.Backend       = (*Backend)(nil)
	_ backend.Fingerprinter = (*Backend)(nil)
)
