package filter

import (
	"bufio"
	"fmt"
	"io"
	"regexp"

	"github.com/abclution/mikback/config"
	"github.com/sirupsen/logrus"
)

const maxLineSize = 1024 * 1024

// Regexp rewrites matching lines, or removes them when Drop is set. RouterOS
// starts every export with a "# <date> by RouterOS" line which is a typical
// candidate for dropping.
type Regexp struct {
	Regexp  *regexp.Regexp
	Replace string
	Drop    bool
	Logger  *logrus.Logger
}

func (r *Regexp) apply(line string) (string, bool) {
	if r.Drop {
		return line, !r.Regexp.MatchString(line)
	}
	return r.Regexp.ReplaceAllString(line, r.Replace), true
}

func (r *Regexp) pump(dst io.Writer, src io.Reader) error {
	s := bufio.NewScanner(src)
	s.Buffer(make([]byte, 64*1024), maxLineSize)

	for s.Scan() {
		line, keep := r.apply(s.Text())
		if !keep {
			continue
		}
		if _, err := fmt.Fprintln(dst, line); err != nil {
			return err
		}
	}

	return s.Err()
}

func (r *Regexp) Start(dst io.WriteCloser, src io.Reader) error {
	go func() {
		var err error
		if err = r.pump(dst, src); err != nil {
			r.Logger.Errorf("regexp: %v", err)
			// Keep the upstream writer from blocking
			io.Copy(io.Discard, src)
		}

		if closer, ok := dst.(closerWithError); ok && err != nil {
			err = closer.CloseWithError(err)
		} else {
			err = dst.Close()
		}

		if err != nil {
			r.Logger.Errorf("regexp: %v", err)
		}
	}()

	return nil
}

func newRegexpFilter(options config.Options, logger *logrus.Logger) (Filter, error) {
	expr, err := options.GetString("expr")
	if err != nil {
		return nil, fmt.Errorf("regexp: expr: %w", err)
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("regexp: %w", err)
	}

	f := Regexp{
		Regexp: re,
		Logger: logger,
	}
	f.Replace, _ = options.GetString("replace")
	f.Drop, _ = options.GetBool("drop")

	return &f, nil
}

func init() {
	registerFilter("regexp", newRegexpFilter)
}
