// Package artifact manages the short-lived files handed to the recognition
// engine: captured images and serialized templates.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind identifies what an artifact holds. It decides the file name prefix and extension.
type Kind int

const (
	KindImage Kind = iota
	KindTemplate
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindTemplate:
		return "template"
	default:
		return "unknown"
	}
}

func (k Kind) fileName() string {
	switch k {
	case KindTemplate:
		return "template_" + uuid.NewString() + ".json"
	default:
		return "face_" + uuid.NewString() + ".png"
	}
}

// Handle points at one persisted artifact.
type Handle struct {
	Name string
	Path string
	Kind Kind
}

// IOError reports a scratch directory or file write failure.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Store writes artifacts under a scratch directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore returns a store rooted at dir. The directory is created lazily on first Persist.
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{dir: dir, logger: logger.Named("artifact_store")}
}

// Dir returns the scratch directory.
func (s *Store) Dir() string {
	return s.dir
}

// Persist writes data to a uniquely named file and returns its handle.
func (s *Store) Persist(data []byte, kind Kind) (*Handle, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, &IOError{Op: "mkdir", Path: s.dir, Err: err}
	}

	name := kind.fileName()
	path := filepath.Join(s.dir, name)
	// O_EXCL so two requests can never share a path, even on a uuid collision.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, &IOError{Op: "create", Path: path, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return nil, &IOError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, &IOError{Op: "close", Path: path, Err: err}
	}

	s.logger.Debug("artifact persisted",
		zap.String("kind", kind.String()),
		zap.String("path", path),
		zap.Int("bytes", len(data)))
	return &Handle{Name: name, Path: path, Kind: kind}, nil
}

// Release deletes the artifact's file. A nil handle or a missing file is not an error.
func (s *Store) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	if err := os.Remove(h.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "remove", Path: h.Path, Err: err}
	}
	s.logger.Debug("artifact released", zap.String("path", h.Path))
	return nil
}
