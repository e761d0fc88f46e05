package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// ErrChecksum reports an uploaded file whose remote digest differs from the
// local one.
var ErrChecksum = errors.New("ssh: checksum mismatch")

// PushFile uploads a local file to a remote path via SFTP and verifies the
// remote sha256 digest. A file that fails verification is removed.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	stop := context.AfterFunc(ctx, func() { _ = sf.Close() })
	defer stop()

	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	hasher := sha256.New()
	_, err = io.Copy(dst, io.TeeReader(src, hasher))
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("copy: %w", err)
	}

	want := hex.EncodeToString(hasher.Sum(nil))
	if err := verifyRemoteChecksum(client, remotePath, want); err != nil {
		_ = sf.Remove(remotePath)
		return err
	}
	return nil
}

func verifyRemoteChecksum(client *xssh.Client, remotePath, want string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("checksum session: %w", err)
	}
	defer session.Close()
	out, err := session.Output("sha256sum " + shellescape.Quote(remotePath))
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 || fields[0] != want {
		return fmt.Errorf("%w: %s", ErrChecksum, remotePath)
	}
	return nil
}
