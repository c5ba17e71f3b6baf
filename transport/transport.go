package transport

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/abclution/mikback/config"
	"github.com/abclution/mikback/devices"
	"github.com/sirupsen/logrus"
)

// Command is a RouterOS CLI line. Secret, when set, is masked wherever the
// command is printed.
type Command struct {
	Line   string
	Secret string
}

const mask = "******"

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, mask)
}

func (c Command) String() string { return redact(c.Line, c.Secret) }

// Transport runs commands on a device and copies files from it.
type Transport interface {
	// Run executes command and streams its standard output to stdout.
	Run(ctx context.Context, target *devices.Target, command Command, stdout io.Writer) error
	// Fetch copies the remote file name into dir under the same name and
	// returns the local path.
	Fetch(ctx context.Context, target *devices.Target, name, dir string) (string, error)
}

// CommandError is returned when a remote command or a client process exits
// with a non-zero status.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("`%s' failed: %v", e.Command, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

type NewTransportFunc func(config.Options, *logrus.Logger) (Transport, error)

var registry = make(map[string]NewTransportFunc)

func registerTransport(name string, fn NewTransportFunc) {
	registry[name] = fn
}

func NewTransport(name string, options config.Options, logger *logrus.Logger) (Transport, error) {
	if fn, ok := registry[name]; ok {
		return fn(options, logger)
	}

	return nil, fmt.Errorf("Unknown transport driver: `%s'", name)
}
