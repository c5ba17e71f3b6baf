package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/abclution/mikback/config"
	"github.com/abclution/mikback/devices"
	"github.com/sirupsen/logrus"
)

type WriteCloserWithError interface {
	io.WriteCloser
	CloseWithError(err error) error
}

// Archive collects the artifacts of one run somewhere else, e.g. a Git
// repository.
type Archive interface {
	// Begin starts collecting a run; metadata is available to the commit
	// message template.
	Begin(ctx context.Context, metadata devices.Metadata) (Tx, error)
}

type Tx interface {
	// Add records a local artifact. metadata must carry "file" (the base
	// name) and may carry an "error" if the artifact is incomplete.
	Add(ctx context.Context, path string, metadata devices.Metadata) error
	Commit(ctx context.Context) error
}

type NewArchiveFunc func(context.Context, config.Options, *logrus.Logger) (Archive, error)

var registry = make(map[string]NewArchiveFunc)

func registerArchive(name string, fn NewArchiveFunc) {
	registry[name] = fn
}

func NewArchive(ctx context.Context, name string, options config.Options, logger *logrus.Logger) (Archive, error) {
	if fn, ok := registry[name]; ok {
		return fn(ctx, options, logger)
	}

	return nil, fmt.Errorf("Unknown archive driver: `%s'", name)
}
