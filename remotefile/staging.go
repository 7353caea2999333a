package remotefile

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// staging holds downloaded bytes of one object.
type staging interface {
	io.Writer
	// Reset discards everything written so far.
	Reset() error
	// Open returns a reader of everything written so far.
	Open() (io.ReadCloser, error)
	// Path returns local file path, empty for in-memory staging.
	Path() string
	Release() error
}

func newStaging(dir, key string) (staging, error) {
	if dir == "" {
		return &memStaging{}, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &fileStaging{path: filepath.Join(dir, stagingName(key))}, nil
}

// maxStagingExt bounds the extension kept from the key, object keys may be
// far longer than a file name is allowed to be.
const maxStagingExt = 16

func stagingName(key string) string {
	ext := filepath.Ext(key)
	if len(ext) > maxStagingExt || strings.ContainsAny(ext, `/\`) {
		ext = ""
	}
	return uuid.NewString() + ext
}

type fileStaging struct {
	path string
	f    *os.File
}

func (s *fileStaging) Write(p []byte) (int, error) {
	if s.f == nil {
		if err := s.Reset(); err != nil {
			return 0, err
		}
	}
	return s.f.Write(p)
}

func (s *fileStaging) Reset() error {
	if s.f == nil {
		f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return err
		}
		s.f = f
		return nil
	}
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	_, err := s.f.Seek(0, io.SeekStart)
	return err
}

func (s *fileStaging) Open() (io.ReadCloser, error) {
	if s.f == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return os.Open(s.path)
}

func (s *fileStaging) Path() string {
	return s.path
}

func (s *fileStaging) Release() error {
	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type memStaging struct {
	buf bytes.Buffer
}

func (s *memStaging) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *memStaging) Reset() error {
	s.buf.Reset()
	return nil
}

func (s *memStaging) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.buf.Bytes())), nil
}

func (s *memStaging) Path() string {
	return ""
}

func (s *memStaging) Release() error {
	s.buf = bytes.Buffer{}
	return nil
}
