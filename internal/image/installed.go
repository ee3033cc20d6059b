package image

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bmc-flashd/internal/firmware"
)

// RofsPrefix prefixes the mount directory of every installed read-only volume.
const RofsPrefix = "rofs-"

// Installed is one mounted read-only volume. Err is set when the volume is corrupt;
// ID is then taken from the mount directory name.
type Installed struct {
	ID      string
	Release firmware.Release
	Err     error
}

// ScanInstalled reads the release file of every rofs-<id> mount under mediaDir.
// releasePath is the absolute path of the release file inside each volume.
func ScanInstalled(mediaDir, releasePath string) ([]Installed, error) {
	entries, err := os.ReadDir(mediaDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read media directory: %w", err)
	}

	var out []Installed
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), RofsPrefix) {
			continue
		}
		mount := filepath.Join(mediaDir, e.Name())
		rel, err := firmware.ReadRelease(filepath.Join(mount, releasePath))
		switch {
		case err != nil:
			out = append(out, Installed{ID: strings.TrimPrefix(e.Name(), RofsPrefix), Err: err})
		case rel.Version == "":
			out = append(out, Installed{
				ID:  strings.TrimPrefix(e.Name(), RofsPrefix),
				Err: fmt.Errorf("no version in %s", filepath.Join(mount, releasePath)),
			})
		default:
			out = append(out, Installed{ID: firmware.ID(rel.Version), Release: rel})
		}
	}
	return out, nil
}

// Seed creates a rofs-<id> mount directory for the running image whose release file
// links to releasePath. It is used when no installed volume is mounted at all.
func Seed(mediaDir, releasePath string) (string, error) {
	rel, err := firmware.ReadRelease(releasePath)
	if err != nil {
		return "", err
	}
	if rel.Version == "" {
		return "", fmt.Errorf("no version in %s", releasePath)
	}
	id := firmware.ID(rel.Version)

	link := filepath.Join(mediaDir, RofsPrefix+id, releasePath)
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(link), err)
	}
	if err := os.Symlink(releasePath, link); err != nil && !os.IsExist(err) {
		return "", fmt.Errorf("failed to link release file: %w", err)
	}
	return id, nil
}
