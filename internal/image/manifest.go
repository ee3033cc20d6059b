// Package image turns uploaded archives and mounted flash volumes into version
// records: it unpacks archives, reads their MANIFEST, checks that the required image
// files are present and scans the read-only mounts of installed versions.
package image

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bmc-flashd/internal/firmware"
)

// ManifestFile names the metadata file at the top of every image.
const ManifestFile = "MANIFEST"

// Manifest is the metadata shipped with an image.
type Manifest struct {
	Version         string
	Purpose         firmware.Purpose
	ExtendedVersion string
	MachineName     string
}

// ReadManifest parses the key=value lines of a MANIFEST file. Unknown keys are ignored.
func ReadManifest(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	m := Manifest{Purpose: firmware.PurposeUnknown}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "version":
			m.Version = strings.TrimSpace(value)
		case "purpose":
			m.Purpose = firmware.ParsePurpose(value)
		case "ExtendedVersion":
			m.ExtendedVersion = strings.TrimSpace(value)
		case "MachineName":
			m.MachineName = strings.TrimSpace(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	if m.Version == "" {
		return Manifest{}, fmt.Errorf("manifest %s has no version", path)
	}
	return m, nil
}

// Record describes the image unpacked at dir.
func (m Manifest) Record(dir string) firmware.Record {
	return firmware.Record{
		ID:              filepath.Base(dir),
		Version:         m.Version,
		Purpose:         m.Purpose,
		ExtendedVersion: m.ExtendedVersion,
		Location:        dir,
	}
}

// Required lists the image files a controller image must carry: either every file of
// Full or every file of Partitions.
type Required struct {
	Full       []string `yaml:"full" validate:"required,min=1,dive,required"`
	Partitions []string `yaml:"partitions" validate:"required,min=1,dive,required"`
}

func DefaultRequired() Required {
	return Required{
		Full:       []string{"image-bmc"},
		Partitions: []string{"image-kernel", "image-rofs", "image-rwfs", "image-u-boot"},
	}
}

// Check reports an error unless dir holds the full image or every partition image.
func (r Required) Check(dir string) error {
	if missing := missingFiles(dir, r.Full); len(missing) == 0 {
		return nil
	}
	missing := missingFiles(dir, r.Partitions)
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("image %s is incomplete, missing %s", dir, strings.Join(missing, ", "))
}

func missingFiles(dir string, names []string) []string {
	if len(names) == 0 {
		return []string{"<none configured>"}
	}
	var missing []string
	for _, name := range names {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !info.Mode().IsRegular() {
			missing = append(missing, name)
		}
	}
	return missing
}
