package sshutils

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type KeyFunc func() ([]byte, error)

type Config struct {
	KeyFunc  KeyFunc
	Username string
	Password string
	// Host keys are not verified when empty
	KnownHosts []string
}

type Client struct {
	*ssh.Client
	conn net.Conn
}

func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if len(c.KnownHosts) == 0 {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	return knownhosts.New(c.KnownHosts...)
}

// KeyFile returns a KeyFunc reading the identity file through the cache.
func KeyFile(name string) KeyFunc {
	return func() ([]byte, error) {
		return ReadIdentityFile(name)
	}
}

func Dial(ctx context.Context, address string, c *Config) (client *Client, err error) {
	var auth []ssh.AuthMethod

	if c.KeyFunc != nil {
		key, err := c.KeyFunc()
		if err != nil {
			return nil, fmt.Errorf("key func: %v", err)
		}

		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, err
		}

		auth = append(auth, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, fmt.Errorf("known hosts: %v", err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	config := ssh.ClientConfig{
		User:            c.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
	}
	// Older RouterOS releases only offer CBC ciphers
	config.Config.SetDefaults()
	config.Config.Ciphers = append(config.Config.Ciphers, "aes128-cbc")

	var (
		sshConn ssh.Conn
		chans   <-chan ssh.NewChannel
		reqs    <-chan *ssh.Request
	)

	if d, ok := ctx.Deadline(); ok {
		conn.SetDeadline(d)
	}

	ch := make(chan struct{})

	go func() {
		sshConn, chans, reqs, err = ssh.NewClientConn(conn, address, &config)
		close(ch)
	}()

	select {
	case <-ctx.Done():
		// Unblock the handshake goroutine
		conn.SetDeadline(time.Now())
		<-ch
		return nil, ctx.Err()

	case <-ch:
		if err != nil {
			return nil, err
		}
	}

	conn.SetDeadline(time.Time{})

	client = &Client{
		Client: ssh.NewClient(sshConn, chans, reqs),
		conn:   conn,
	}

	return client, nil
}
