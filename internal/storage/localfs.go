package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// remoteFilesystems are filesystem types on which SQLite file locking is
// unreliable.
var remoteFilesystems = map[string]bool{
	"afpfs":  true,
	"cifs":   true,
	"nfs":    true,
	"smbfs":  true,
	"smb2":   true,
	"webdav": true,
}

// requireLocalFilesystem rejects journal paths on network mounts.
func requireLocalFilesystem(path string) error {
	return requireLocalFilesystemWith(path, fsTypeOf)
}

func requireLocalFilesystemWith(path string, fsType func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("journal path is empty")
	}
	existing, err := closestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve journal path %q: %w", path, err)
	}
	kind, err := fsType(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if remoteFilesystems[strings.ToLower(strings.TrimSpace(kind))] {
		return fmt.Errorf("journal path %q is on network filesystem %q; SQLite needs a local filesystem for locking, set DABL_STATE_PATH to a local file", path, kind)
	}
	return nil
}

// closestExisting walks up from path to the first entry that exists.
func closestExisting(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		p = parent
	}
}
