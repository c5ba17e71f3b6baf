package sshutils

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type FileInfo struct {
	Name string
	Mode os.FileMode
	Size int64
}

func scpError(r *bufio.Reader, code byte) error {
	msg, _ := r.ReadString('\n')
	return fmt.Errorf("scp: remote error %d: %s", code, strings.TrimSpace(msg))
}

// scpReceive runs the sink side of the SCP protocol for a single file.
func scpReceive(ack io.Writer, rd *bufio.Reader, dst io.Writer) (*FileInfo, error) {
	var ackByte [1]byte

	if _, err := ack.Write(ackByte[:]); err != nil {
		return nil, err
	}

	code, err := rd.ReadByte()
	if err != nil {
		return nil, err
	}

	if code == 1 || code == 2 {
		return nil, scpError(rd, code)
	} else if code != 'C' {
		return nil, fmt.Errorf("scp: unknown response: %q", code)
	}

	headerStr, err := rd.ReadString('\n')
	if err != nil {
		return nil, err
	}

	f := strings.Fields(headerStr)
	if len(f) != 3 {
		return nil, fmt.Errorf("scp: unknown response header: %s", strings.TrimSpace(headerStr))
	}

	perm, err := strconv.ParseUint(f[0], 8, 32)
	if err != nil {
		return nil, fmt.Errorf("scp: mode: %v", err)
	}

	sz, err := strconv.ParseInt(f[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("scp: size: %v", err)
	}

	hdr := FileInfo{
		Name: f[2],
		Mode: os.FileMode(perm),
		Size: sz,
	}

	// Ready to receive
	if _, err := ack.Write(ackByte[:]); err != nil {
		return nil, err
	}

	if _, err := io.CopyN(dst, rd, sz); err != nil {
		return nil, fmt.Errorf("scp: %v", err)
	}

	status, err := rd.ReadByte()
	if err != nil {
		return nil, err
	}

	if status != 0 {
		return nil, scpError(rd, status)
	}

	if _, err := ack.Write(ackByte[:]); err != nil {
		return nil, err
	}

	return &hdr, nil
}

// Fetch copies a remote file to dst using `scp -f' on the remote side.
func Fetch(ctx context.Context, client *Client, name string, dst io.Writer) (*FileInfo, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("scp: new session: %v", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, err
	}

	if err := session.Start("scp -f " + name); err != nil {
		return nil, fmt.Errorf("scp: session start: %v", err)
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	hdr, err := scpReceive(stdin, bufio.NewReader(stdout), dst)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	if err := stdin.Close(); err != nil {
		return nil, err
	}

	if err := session.Wait(); err != nil {
		return nil, fmt.Errorf("scp: %v", err)
	}

	return hdr, nil
}
