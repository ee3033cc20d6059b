package firmware

import (
	"crypto/sha512"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// Purpose is the functional role of a firmware image.
type Purpose string

const (
	PurposeUnknown Purpose = "Unknown"
	PurposeBMC     Purpose = "BMC"
	PurposeSystem  Purpose = "System"
	// PurposeHost is firmware for the auxiliary (host) processor. It is written by an
	// external writer and never competes for a boot slot.
	PurposeHost Purpose = "Host"
)

const purposePrefix = "xyz.openbmc_project.Software.Version.VersionPurpose."

// ParsePurpose accepts both the short form ("BMC") and the fully qualified enumeration
// string. Anything unrecognized is PurposeUnknown.
func ParsePurpose(s string) Purpose {
	s = strings.TrimPrefix(strings.TrimSpace(s), purposePrefix)
	switch strings.ToLower(s) {
	case "bmc":
		return PurposeBMC
	case "system":
		return PurposeSystem
	case "host":
		return PurposeHost
	default:
		return PurposeUnknown
	}
}

func (p Purpose) String() string {
	return string(p)
}

// Auxiliary reports whether images with this purpose are handed to an external writer.
func (p Purpose) Auxiliary() bool {
	return p == PurposeHost
}

// RequiresImageCheck reports whether the image directory must contain the controller
// image files before the version can become Ready.
func (p Purpose) RequiresImageCheck() bool {
	return p == PurposeBMC || p == PurposeSystem
}

// Version is a tracked firmware version. Everything except the functional flag is
// fixed at construction; the functional flag is fixed at discovery.
type Version struct {
	ID              string
	Version         string
	Purpose         Purpose
	ExtendedVersion string
	// Path is the source image directory. It is empty for already installed images.
	Path string

	functional bool
}

func NewVersion(id, version string, purpose Purpose, extendedVersion, path string, functional bool) *Version {
	return &Version{
		ID:              id,
		Version:         version,
		Purpose:         purpose,
		ExtendedVersion: extendedVersion,
		Path:            path,
		functional:      functional,
	}
}

// Functional reports whether this is the image the controller is currently running.
func (v *Version) Functional() bool {
	return v.functional
}

// ID derives the version id from a version string: the first 8 hex characters of its
// SHA-512 digest.
func ID(version string) string {
	sum := sha512.Sum512([]byte(version))
	return hex.EncodeToString(sum[:])[:8]
}

// Record is a candidate version as reported by discovery.
type Record struct {
	ID              string
	Version         string
	Purpose         Purpose
	ExtendedVersion string
	// Location is the image directory; its last element is the id when ID is empty.
	Location string
}

// VersionID returns the record id, falling back to the last element of Location.
func (r Record) VersionID() string {
	if r.ID != "" {
		return r.ID
	}
	if r.Location == "" {
		return ""
	}
	base := filepath.Base(filepath.Clean(r.Location))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return base
}
