package transfer

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// localFile is the write side of one download. Commit makes the content
// final; Abort gives up on it.
type localFile interface {
	io.Writer
	Commit() error
	Abort() error
}

func openLocal(path string, atomic bool) (localFile, error) {
	if atomic {
		// The temporary file lives next to the target so the rename never
		// crosses a mount point.
		pf, err := renameio.NewPendingFile(path,
			renameio.WithTempDir(filepath.Dir(path)),
			renameio.WithPermissions(0o644))
		if err != nil {
			return nil, err
		}
		return pendingFile{pf}, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return truncatedFile{f}, nil
}

// truncatedFile writes in place. An aborted download stays on disk as a
// partial file.
type truncatedFile struct {
	*os.File
}

func (f truncatedFile) Commit() error { return f.Close() }

// Abort may follow a failed Commit, so an already closed file is fine.
func (f truncatedFile) Abort() error {
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// pendingFile writes to a temporary file and renames it over the target on
// Commit, so readers never see a partial download. Abort removes the
// temporary file, including after a failed Commit.
type pendingFile struct {
	*renameio.PendingFile
}

func (f pendingFile) Commit() error { return f.CloseAtomicallyReplace() }
func (f pendingFile) Abort() error  { return f.Cleanup() }
