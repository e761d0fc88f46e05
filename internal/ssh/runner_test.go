package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunnerRun(t *testing.T) {
	ep := startTestServer(t, "secret", func(cmd string) (string, string, uint32) {
		if cmd == "/opt/script/omni-collect.sh" {
			return `{"hash":"42"}`, "", 0
		}
		return "", "not found", 127
	})
	r := &Runner{Timeout: 2 * time.Second}

	out, err := r.Run(context.Background(), ep, "/opt/script/omni-collect.sh")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != `{"hash":"42"}` {
		t.Fatalf("unexpected stdout %q", out)
	}
}

func TestRunnerRemoteExit(t *testing.T) {
	ep := startTestServer(t, "secret", func(string) (string, string, uint32) {
		return "", "boom\n", 3
	})
	r := &Runner{Timeout: 2 * time.Second}

	_, err := r.Run(context.Background(), ep, "false")
	if !errors.Is(err, ErrRemoteExit) {
		t.Fatalf("expected ErrRemoteExit, got %v", err)
	}
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected *RemoteError, got %T", err)
	}
	if remote.Status != 3 || !strings.Contains(remote.Stderr, "boom") {
		t.Fatalf("unexpected remote error %+v", remote)
	}
}

func TestRunnerWrongPassword(t *testing.T) {
	ep := startTestServer(t, "secret", func(string) (string, string, uint32) { return "ok", "", 0 })
	ep.Password = "wrong"
	r := &Runner{Timeout: 2 * time.Second}

	if _, err := r.Run(context.Background(), ep, "true"); err == nil {
		t.Fatalf("expected auth failure")
	}
}

func TestRunnerTimeout(t *testing.T) {
	ep := startTestServer(t, "secret", func(string) (string, string, uint32) {
		time.Sleep(2 * time.Second)
		return "late", "", 0
	})
	r := &Runner{Timeout: 2 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.Run(ctx, ep, "sleep 2")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("run did not honour the deadline")
	}
}

func TestRunnerNoCredentials(t *testing.T) {
	r := &Runner{}
	_, err := r.Run(context.Background(), Endpoint{Host: "127.0.0.1", Port: 1, User: "root"}, "true")
	if err == nil || !strings.Contains(err.Error(), "signer or password required") {
		t.Fatalf("expected credential error, got %v", err)
	}
}

// sha256sumHandler answers "sha256sum <path>" from the local filesystem.
func sha256sumHandler(command string) (string, string, uint32) {
	p := strings.Trim(strings.TrimPrefix(command, "sha256sum "), "'")
	b, err := os.ReadFile(p)
	if err != nil {
		return "", err.Error(), 1
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]) + "  " + p + "\n", "", 0
}

func TestRunnerPush(t *testing.T) {
	ep := startTestServer(t, "secret", sha256sumHandler)
	r := &Runner{Timeout: 2 * time.Second}

	dir := t.TempDir()
	local := filepath.Join(dir, "bundle.tar.gz")
	if err := os.WriteFile(local, []byte("artifact"), 0600); err != nil {
		t.Fatalf("write local: %v", err)
	}
	remote := filepath.Join(dir, "remote", "bundle.tar.gz")
	if err := r.Push(context.Background(), ep, local, remote); err != nil {
		t.Fatalf("push: %v", err)
	}
	b, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("read remote: %v", err)
	}
	if string(b) != "artifact" {
		t.Fatalf("unexpected remote content %q", b)
	}
}

func TestRunnerPushChecksumMismatch(t *testing.T) {
	ep := startTestServer(t, "secret", func(string) (string, string, uint32) {
		return "0000  -\n", "", 0
	})
	r := &Runner{Timeout: 2 * time.Second}

	dir := t.TempDir()
	local := filepath.Join(dir, "bundle.tar.gz")
	if err := os.WriteFile(local, []byte("artifact"), 0600); err != nil {
		t.Fatalf("write local: %v", err)
	}
	remote := filepath.Join(dir, "remote", "bundle.tar.gz")
	err := r.Push(context.Background(), ep, local, remote)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
	if _, err := os.Stat(remote); !os.IsNotExist(err) {
		t.Fatalf("corrupt upload was not removed: %v", err)
	}
}

func writeBundle(t *testing.T) (local, remote string) {
	t.Helper()
	dir := t.TempDir()
	local = filepath.Join(dir, "bundle.tar.gz")
	if err := os.WriteFile(local, []byte("artifact"), 0600); err != nil {
		t.Fatalf("write local: %v", err)
	}
	return local, filepath.Join(dir, "remote", "bundle.tar.gz")
}

// requireDeadline fails unless op returns context.DeadlineExceeded well
// within a second of its 300ms deadline.
func requireDeadline(t *testing.T, op func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := op(ctx)
	if took := time.Since(start); took > 1300*time.Millisecond {
		t.Fatalf("returned after %v, deadline was 300ms", took)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunnerRunStalledSession(t *testing.T) {
	ep := startStalledServer(t, "secret")
	r := &Runner{Timeout: 2 * time.Second}
	requireDeadline(t, func(ctx context.Context) error {
		_, err := r.Run(ctx, ep, "/opt/script/omni-collect.sh")
		return err
	})
}

func TestRunnerPushStalledSession(t *testing.T) {
	ep := startStalledServer(t, "secret")
	r := &Runner{Timeout: 2 * time.Second}
	local, remote := writeBundle(t)
	requireDeadline(t, func(ctx context.Context) error {
		return r.Push(ctx, ep, local, remote)
	})
}

func TestRunnerPushStalledChecksum(t *testing.T) {
	ep := startTestServer(t, "secret", func(cmd string) (string, string, uint32) {
		time.Sleep(3 * time.Second)
		return sha256sumHandler(cmd)
	})
	r := &Runner{Timeout: 2 * time.Second}
	local, remote := writeBundle(t)
	requireDeadline(t, func(ctx context.Context) error {
		return r.Push(ctx, ep, local, remote)
	})
}

func TestEndpointAddr(t *testing.T) {
	if got := (Endpoint{Host: "10.0.0.5"}).Addr(); got != "10.0.0.5:22" {
		t.Fatalf("default port: got %s", got)
	}
	if got := (Endpoint{Host: "10.0.0.5", Port: 2222}).Addr(); got != "10.0.0.5:2222" {
		t.Fatalf("explicit port: got %s", got)
	}
}
