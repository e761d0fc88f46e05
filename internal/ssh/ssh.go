package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// ErrRemoteExit matches any *RemoteError.
var ErrRemoteExit = errors.New("ssh: remote command failed")

// RemoteError reports a command that ran but exited non-zero.
type RemoteError struct {
	Status int
	Stderr string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote exit %d: %s", e.Status, strings.TrimSpace(e.Stderr))
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemoteExit }

type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type NetDialer struct{ Timeout time.Duration }

func (d NetDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.DialContext(ctx, network, addr)
}

// Endpoint identifies one host and the credentials used to log in to it.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Addr returns host:port, defaulting the port to 22.
func (e Endpoint) Addr() string {
	port := e.Port
	if port <= 0 {
		port = 22
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

type Client struct {
	Endpoint
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Dialer     Dialer
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	var auth []xssh.AuthMethod
	if c.Signer != nil {
		auth = append(auth, xssh.PublicKeys(c.Signer))
	}
	if c.Password != "" {
		password := c.Password
		auth = append(auth,
			xssh.Password(password),
			xssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(auth) == 0 {
		return nil, errors.New("ssh: signer or password required")
	}
	hostKeys := c.KnownHosts
	if hostKeys == nil {
		// host keys are only checked against a configured known_hosts file
		hostKeys = xssh.InsecureIgnoreHostKey()
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection. The handshake honours the context
// deadline. The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = NetDialer{Timeout: c.Timeout}
	}
	addr := c.Addr()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := xssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return xssh.NewClient(sshConn, chans, reqs), nil
}

// RunCommand executes a remote command and returns stdout and stderr. A
// non-zero exit status is reported as *RemoteError. Every step after the
// handshake is bounded by ctx.
func (c *Client) RunCommand(ctx context.Context, command string) (string, string, error) {
	cli, err := Dial(ctx, c)
	if err != nil {
		return "", "", err
	}
	defer cli.Close()
	stop := closeOnDone(ctx, cli)
	defer stop()

	session, err := cli.NewSession()
	if err != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		return "", "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	err = session.Run(command)
	if ctx.Err() != nil {
		return "", "", ctx.Err()
	}
	if err != nil {
		var exit *xssh.ExitError
		if errors.As(err, &exit) {
			return stdout.String(), stderr.String(), &RemoteError{Status: exit.ExitStatus(), Stderr: stderr.String()}
		}
		return stdout.String(), stderr.String(), fmt.Errorf("run command: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// closeOnDone closes cli when ctx ends, unblocking any session open, read
// or wait on it.
func closeOnDone(ctx context.Context, cli *xssh.Client) (stop func() bool) {
	return context.AfterFunc(ctx, func() { _ = cli.Close() })
}
