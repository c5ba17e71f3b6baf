package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/abclution/mikback/config"
	"github.com/abclution/mikback/devices"
	"github.com/abclution/mikback/sshutils"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Native talks SSH in-process. SSH_OPTIONS has no meaning here and is
// ignored.
type Native struct {
	KnownHosts []string
	Logger     *logrus.Logger
}

func (n *Native) dial(ctx context.Context, t *devices.Target) (*sshutils.Client, func(), error) {
	conf := sshutils.Config{
		Username:   t.Username,
		Password:   t.Password,
		KnownHosts: n.KnownHosts,
	}

	if !t.PasswordAuth() {
		conf.KeyFunc = sshutils.KeyFile(t.KeyFile)
	}

	l := n.Logger.WithField("address", t.Address())

	if t.SSHOptions != "" {
		l.Warnf("%s ignored by native transport", devices.KeySSHOptions)
	}

	l.Debug("establishing SSH connection...")

	client, err := sshutils.Dial(ctx, t.Address(), &conf)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh: %v", err)
	}

	if d, ok := ctx.Deadline(); ok {
		client.SetDeadline(d)
	}

	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
			client.SetDeadline(time.Now())
		case <-done:
		}
	}()

	release := func() {
		close(done)
		client.Close()
	}

	return client, release, nil
}

func (n *Native) Run(ctx context.Context, t *devices.Target, command Command, stdout io.Writer) error {
	client, release, err := n.dial(ctx, t)
	if err != nil {
		return err
	}
	defer release()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("ssh: new session: %v", err)
	}
	defer session.Close()

	var stderr bytes.Buffer

	if stdout == nil {
		stdout = io.Discard
	}
	session.Stdout = stdout
	session.Stderr = &stderr

	n.Logger.WithField("address", t.Address()).Debugf("issuing `%s' command...", command)

	err = session.Run(command.Line)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		err = ctx.Err()
	}

	e := CommandError{
		Command:  command.String(),
		ExitCode: -1,
		Stderr:   redact(stderr.String(), command.Secret),
		Err:      err,
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		e.ExitCode = exitErr.ExitStatus()
	}

	return &e
}

func (n *Native) Fetch(ctx context.Context, t *devices.Target, name, dir string) (out string, err error) {
	client, release, err := n.dial(ctx, t)
	if err != nil {
		return "", err
	}
	defer release()

	out = filepath.Join(dir, name)

	fd, err := os.Create(out)
	if err != nil {
		return "", err
	}

	defer func() {
		if e := fd.Close(); err == nil && e != nil {
			err = e
		}
	}()

	hdr, err := sshutils.Fetch(ctx, client, "/"+name, fd)
	if err != nil {
		return "", err
	}

	n.Logger.WithFields(logrus.Fields{
		"address": t.Address(),
		"file":    out,
		"size":    hdr.Size,
	}).Debug("received")

	return out, nil
}

func newNative(options config.Options, logger *logrus.Logger) (Transport, error) {
	n := Native{
		Logger: logger,
	}

	if _, ok := options["known_hosts"]; ok {
		files, err := options.GetStrings("known_hosts")
		if err != nil {
			return nil, fmt.Errorf("native: %v", err)
		}
		n.KnownHosts = files
	}

	return &n, nil
}

func init() {
	registerTransport("native", newNative)
}
