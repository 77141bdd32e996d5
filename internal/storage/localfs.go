package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// remoteFilesystems lists filesystem types SQLite cannot lock reliably.
var remoteFilesystems = []string{"afpfs", "cifs", "nfs", "smbfs", "smb2", "webdav"}

// requireLocalFilesystem rejects history paths on network mounts.
// An undetectable filesystem type is allowed.
func requireLocalFilesystem(path string, detect func(string) (string, error)) error {
	existing, err := closestExistingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve history path %q: %w", path, err)
	}

	fsType, err := detect(existing)
	if err != nil {
		return nil
	}

	fsType = strings.ToLower(strings.TrimSpace(fsType))
	for _, remote := range remoteFilesystems {
		if fsType == remote {
			return fmt.Errorf("history database %q is on a %s mount; SQLite needs a local disk (set state.path or --history-db)", path, fsType)
		}
	}
	return nil
}

// closestExistingAncestor walks up from path until it finds something that exists.
func closestExistingAncestor(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing ancestor")
		}
		candidate = parent
	}
}
