package ssh

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// EnsureKnownHostsFile makes sure the directory exists and the file is created.
func EnsureKnownHostsFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("mkdir known_hosts dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(""), 0600); err != nil {
			return fmt.Errorf("create known_hosts: %w", err)
		}
	}
	return nil
}

// ErrNoKnownHosts reports a known_hosts file with no entries. Strict
// checking against it would reject every host.
var ErrNoKnownHosts = errors.New("ssh: known_hosts has no entries")

// LoadKnownHostsCallback returns a strict host key callback using the given
// file, or nil when path is empty. A missing file is created and, like an
// empty one, reported as ErrNoKnownHosts.
func LoadKnownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if path == "" {
		return nil, nil
	}
	if err := EnsureKnownHostsFile(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read known_hosts: %w", err)
	}
	if !hasEntries(data) {
		return nil, fmt.Errorf("%w: %s", ErrNoKnownHosts, path)
	}
	return knownhosts.New(path)
}

func hasEntries(data []byte) bool {
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 && line[0] != '#' {
			return true
		}
	}
	return false
}
