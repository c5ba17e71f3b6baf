package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/abclution/mikback/config"
	"github.com/abclution/mikback/devices"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
)

// SecretEnv is the variable sshpass -e reads the password from. It is only
// ever set in the environment of the sshpass child.
const SecretEnv = "SSHPASS"

const waitDelay = 5 * time.Second

// Cmd is a fully resolved client invocation.
type Cmd struct {
	Path string
	Args []string
	// Additional child environment, may carry the secret
	Env     []string
	Stdout  io.Writer
	secrets []string
}

func (c *Cmd) redact(s string) string {
	for _, secret := range c.secrets {
		s = redact(s, secret)
	}
	return s
}

func (c *Cmd) String() string {
	return c.redact(strings.Join(append([]string{c.Path}, c.Args...), " "))
}

// Builder turns a target and a remote command into ssh/scp argument lists.
// Nothing passes through a shell.
type Builder struct {
	SSH     string
	SCP     string
	SSHPass string
}

func DefaultBuilder() Builder {
	return Builder{
		SSH:     "ssh",
		SCP:     "scp",
		SSHPass: "sshpass",
	}
}

func (b *Builder) client(client string, t *devices.Target, portFlag string) (*Cmd, error) {
	opts, err := shlex.Split(t.SSHOptions)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", devices.KeySSHOptions, err)
	}

	var cmd Cmd

	if t.PasswordAuth() {
		cmd.Path = b.SSHPass
		cmd.Args = []string{"-e", client}
		cmd.Env = []string{SecretEnv + "=" + t.Password}
		cmd.secrets = append(cmd.secrets, t.Password)
	} else {
		cmd.Path = client
		cmd.Args = []string{"-i", t.KeyFile}
	}

	cmd.Args = append(cmd.Args, opts...)
	cmd.Args = append(cmd.Args, portFlag, strconv.Itoa(t.Port))

	return &cmd, nil
}

func (b *Builder) SSHCommand(t *devices.Target, command Command) (*Cmd, error) {
	cmd, err := b.client(b.SSH, t, "-p")
	if err != nil {
		return nil, err
	}

	cmd.Args = append(cmd.Args, t.Username+"@"+t.Host, command.Line)
	if command.Secret != "" {
		cmd.secrets = append(cmd.secrets, command.Secret)
	}

	return cmd, nil
}

func (b *Builder) SCPCommand(t *devices.Target, name, dir string) (*Cmd, error) {
	cmd, err := b.client(b.SCP, t, "-P")
	if err != nil {
		return nil, err
	}

	host := t.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	cmd.Args = append(cmd.Args, t.Username+"@"+host+":/"+name, dir)

	return cmd, nil
}

// Runner starts client processes. Tests replace it.
type Runner interface {
	Run(ctx context.Context, cmd *Cmd) error
}

// childEnv drops any inherited secret before adding the command's own
// variables.
func childEnv(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		if !strings.HasPrefix(kv, SecretEnv+"=") {
			out = append(out, kv)
		}
	}
	return append(out, extra...)
}

type processRunner struct{}

func (processRunner) Run(ctx context.Context, cmd *Cmd) error {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Env = childEnv(os.Environ(), cmd.Env)
	c.Stdout = cmd.Stdout
	c.WaitDelay = waitDelay

	var stderr bytes.Buffer
	c.Stderr = &stderr

	err := c.Run()
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		err = ctx.Err()
	}

	e := CommandError{
		Command:  cmd.String(),
		ExitCode: -1,
		Stderr:   cmd.redact(stderr.String()),
		Err:      err,
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		e.ExitCode = exitErr.ExitCode()
	}

	return &e
}

// Exec drives the external OpenSSH client, using sshpass for password
// logins.
type Exec struct {
	Builder
	Runner Runner
	Logger *logrus.Logger
}

func (e *Exec) Run(ctx context.Context, t *devices.Target, command Command, stdout io.Writer) error {
	cmd, err := e.SSHCommand(t, command)
	if err != nil {
		return err
	}
	cmd.Stdout = stdout

	e.Logger.WithField("address", t.Address()).Debugf("running `%s'", cmd)

	return e.Runner.Run(ctx, cmd)
}

func (e *Exec) Fetch(ctx context.Context, t *devices.Target, name, dir string) (string, error) {
	cmd, err := e.SCPCommand(t, name, dir)
	if err != nil {
		return "", err
	}

	e.Logger.WithField("address", t.Address()).Debugf("running `%s'", cmd)

	if err := e.Runner.Run(ctx, cmd); err != nil {
		return "", err
	}

	return filepath.Join(dir, name), nil
}

func NewExec(b Builder, logger *logrus.Logger) *Exec {
	return &Exec{
		Builder: b,
		Runner:  processRunner{},
		Logger:  logger,
	}
}

func newExec(options config.Options, logger *logrus.Logger) (Transport, error) {
	b := DefaultBuilder()

	if v, _ := options.GetString("ssh"); v != "" {
		b.SSH = v
	}

	if v, _ := options.GetString("scp"); v != "" {
		b.SCP = v
	}

	if v, _ := options.GetString("sshpass"); v != "" {
		b.SSHPass = v
	}

	return NewExec(b, logger), nil
}

func init() {
	registerTransport("exec", newExec)
}
