package firmware

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Release holds the fields of an os-release file that identify a firmware image.
type Release struct {
	Version         string
	ExtendedVersion string
}

// ReadRelease reads VERSION_ID and EXTENDED_VERSION from an os-release style file.
func ReadRelease(path string) (Release, error) {
	f, err := os.Open(path)
	if err != nil {
		return Release{}, fmt.Errorf("failed to open release file: %w", err)
	}
	defer f.Close()

	var rel Release
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "VERSION_ID":
			rel.Version = value
		case "EXTENDED_VERSION":
			rel.ExtendedVersion = value
		}
	}
	if err := scanner.Err(); err != nil {
		return Release{}, fmt.Errorf("failed to read release file: %w", err)
	}
	return rel, nil
}
