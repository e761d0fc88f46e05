package ssh

import (
	"context"
	"fmt"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// Runner issues single remote operations. Every call opens its own
// connection, so a Runner is safe for concurrent use across hosts.
type Runner struct {
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Dialer     Dialer
}

func (r *Runner) client(ep Endpoint) *Client {
	return &Client{
		Endpoint:   ep,
		Signer:     r.Signer,
		KnownHosts: r.KnownHosts,
		Timeout:    r.Timeout,
		Dialer:     r.Dialer,
	}
}

// Run executes command on the endpoint and returns its stdout.
func (r *Runner) Run(ctx context.Context, ep Endpoint, command string) (string, error) {
	stdout, _, err := r.client(ep).RunCommand(ctx, command)
	if err != nil {
		return "", err
	}
	return stdout, nil
}

// Push copies a local file to remotePath on the endpoint.
func (r *Runner) Push(ctx context.Context, ep Endpoint, localPath, remotePath string) error {
	cli, err := Dial(ctx, r.client(ep))
	if err != nil {
		return err
	}
	defer cli.Close()
	stop := closeOnDone(ctx, cli)
	defer stop()
	if err := PushFile(ctx, cli, localPath, remotePath); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("push %s: %w", remotePath, err)
	}
	return nil
}
