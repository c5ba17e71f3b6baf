package storage

import (
	"compress/gzip"
	"os"
	"path/filepath"

	"github.com/abclution/mikback/config"
	"github.com/sirupsen/logrus"
)

// FileStorage writes export output under a device's BASE_PATH.
type FileStorage struct {
	compress bool
	logger   *logrus.Logger
}

type fileWriter struct {
	fd  *os.File
	zfd *gzip.Writer
}

func (f *fileWriter) Write(p []byte) (int, error) {
	if f.zfd != nil {
		return f.zfd.Write(p)
	}
	return f.fd.Write(p)
}

func (f *fileWriter) Close() error {
	return f.CloseWithError(nil)
}

// CloseWithError closes the file. Whatever was written stays on disk even if
// err is non-nil.
func (f *fileWriter) CloseWithError(err error) error {
	if f.zfd != nil {
		if e := f.zfd.Close(); e != nil {
			f.fd.Close()
			return e
		}
	}

	return f.fd.Close()
}

// Ensure creates dir if needed.
func (f *FileStorage) Ensure(dir string) error {
	return os.MkdirAll(dir, 0777)
}

// Name returns the on-disk name for an artifact.
func (f *FileStorage) Name(name string) string {
	if f.compress {
		return name + ".gz"
	}
	return name
}

// Create opens dir/name for writing and returns the writer with the path
// actually used.
func (f *FileStorage) Create(dir, name string) (WriteCloserWithError, string, error) {
	if err := f.Ensure(dir); err != nil {
		return nil, "", err
	}

	out := filepath.Join(dir, f.Name(name))

	f.logger.WithFields(logrus.Fields{
		"file":       out,
		"compressed": f.compress,
	}).Debug("writing...")

	fd, err := os.Create(out)
	if err != nil {
		return nil, "", err
	}

	res := fileWriter{
		fd: fd,
	}

	if f.compress {
		res.zfd = gzip.NewWriter(fd)
	}

	return &res, out, nil
}

func NewFileStorage(compress bool, logger *logrus.Logger) *FileStorage {
	return &FileStorage{
		compress: compress,
		logger:   logger,
	}
}

func NewFileStorageFromOptions(options config.Options, logger *logrus.Logger) *FileStorage {
	compress, _ := options.GetBool("compress")
	return NewFileStorage(compress, logger)
}
