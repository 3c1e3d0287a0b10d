package remote

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushFile uploads a local file to a remote path via SFTP, creating remote
// parent directories as needed.
func PushFile(client *xssh.Client, localPath, remotePath string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
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
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

// PullFile downloads a remote file to a local path via SFTP.
func PullFile(client *xssh.Client, remotePath, localPath string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	return pullFile(sf, remotePath, localPath)
}

// PullDir recursively downloads a remote directory tree into localDir,
// preserving the relative layout. Returns the number of files transferred.
func PullDir(client *xssh.Client, remoteDir, localDir string) (int, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	n := 0
	walker := sf.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return n, fmt.Errorf("walk %s: %w", walker.Path(), err)
		}
		rel, err := relativeTo(remoteDir, walker.Path())
		if err != nil {
			return n, err
		}
		local := filepath.Join(localDir, filepath.FromSlash(rel))
		if walker.Stat().IsDir() {
			if err := os.MkdirAll(local, 0o755); err != nil {
				return n, fmt.Errorf("mkdir local: %w", err)
			}
			continue
		}
		if err := pullFile(sf, walker.Path(), local); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func pullFile(sf *sftp.Client, remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("mkdir local: %w", err)
	}
	src, err := sf.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote: %w", err)
	}
	defer src.Close()
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

// relativeTo computes p relative to base using slash-separated remote paths.
func relativeTo(base, p string) (string, error) {
	rel, err := filepath.Rel(filepath.FromSlash(base), filepath.FromSlash(p))
	if err != nil {
		return "", fmt.Errorf("relativize %s: %w", p, err)
	}
	return filepath.ToSlash(rel), nil
}
