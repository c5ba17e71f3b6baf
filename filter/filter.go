package filter

import (
	"fmt"
	"io"

	"github.com/abclution/mikback/config"
	"github.com/sirupsen/logrus"
)

type closerWithError interface {
	CloseWithError(error) error // implemented by io.PipeWriter
}

// Filter transforms export output line by line. Start must return
// immediately and close dst once src is exhausted.
type Filter interface {
	Start(dst io.WriteCloser, src io.Reader) error
}

type NewFilterFunc func(config.Options, *logrus.Logger) (Filter, error)

var registry = make(map[string]NewFilterFunc)

func registerFilter(name string, fn NewFilterFunc) {
	registry[name] = fn
}

func NewFilter(name string, options config.Options, logger *logrus.Logger) (Filter, error) {
	if fn, ok := registry[name]; ok {
		return fn(options, logger)
	}

	return nil, fmt.Errorf("Unknown filter: `%s'", name)
}

// Chain starts filters in order and returns the reader at the end of the
// chain.
func Chain(src io.Reader, filters []Filter) (io.Reader, error) {
	for _, f := range filters {
		r, w := io.Pipe()

		if err := f.Start(w, src); err != nil {
			return nil, err
		}

		src = r
	}

	return src, nil
}

// Build resolves the named filters from the declarations in c.
func Build(c []*config.Filter, names []string, logger *logrus.Logger) ([]Filter, error) {
	declared := make(map[string]Filter, len(c))
	for _, f := range c {
		if f.Name == "" {
			continue
		}

		flt, err := NewFilter(f.Filter, f.Options, logger)
		if err != nil {
			return nil, err
		}

		declared[f.Name] = flt
	}

	if len(names) == 0 {
		return nil, nil
	}

	out := make([]Filter, len(names))
	for i, name := range names {
		f, ok := declared[name]
		if !ok {
			return nil, fmt.Errorf("Filter `%s' is not declared", name)
		}

		out[i] = f
	}

	return out, nil
}
