// Package signature verifies that an uploaded image was released by a trusted key.
//
// An image directory carries a signed release note, MANIFEST.note, in the signed note
// format of golang.org/x/mod/sumdb/note. The note text is a JSON Release committing to
// the version string and the SHA-256 of every image file in the directory.
package signature

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/mod/sumdb/note"

	"bmc-flashd/internal/firmware"
)

const (
	NoteFile    = "MANIFEST.note"
	keySuffix   = ".pub"
	imagePrefix = "image-"
)

// Release is the signed statement about an image directory.
type Release struct {
	Version        string            `json:"version"`
	ArtifactSHA256 map[string][]byte `json:"artifact_sha256"`
}

// NoteVerifier checks release notes against a fixed set of trusted keys.
type NoteVerifier struct {
	logger    logrus.FieldLogger
	verifiers note.Verifiers
}

// New builds a verifier trusting each of keys, given as note verifier keys.
func New(logger logrus.FieldLogger, keys ...string) (*NoteVerifier, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no trusted keys")
	}
	vs := make([]note.Verifier, 0, len(keys))
	for _, k := range keys {
		v, err := note.NewVerifier(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("invalid verifier key: %w", err)
		}
		vs = append(vs, v)
	}
	return &NoteVerifier{
		logger:    logger.WithField("component", "signature"),
		verifiers: note.VerifierList(vs...),
	}, nil
}

// LoadDir trusts every *.pub file of dir.
func LoadDir(logger logrus.FieldLogger, dir string) (*NoteVerifier, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), keySuffix) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read key %s: %w", e.Name(), err)
		}
		keys = append(keys, string(b))
	}
	return New(logger, keys...)
}

// Verify checks the release note of v and the images it commits to.
func (n *NoteVerifier) Verify(ctx context.Context, v *firmware.Version) error {
	if v.Path == "" {
		return fmt.Errorf("version %s has no image directory", v.ID)
	}
	msg, err := os.ReadFile(filepath.Join(v.Path, NoteFile))
	if err != nil {
		return fmt.Errorf("failed to read release note: %w", err)
	}

	signed, err := note.Open(msg, n.verifiers)
	if err != nil {
		return fmt.Errorf("invalid signature on release note: %w", err)
	}

	var rel Release
	if err := json.Unmarshal([]byte(signed.Text), &rel); err != nil {
		return fmt.Errorf("failed to unmarshal release note: %w", err)
	}
	if rel.Version != v.Version {
		return fmt.Errorf("release note is for version %q, image is %q", rel.Version, v.Version)
	}

	entries, err := os.ReadDir(v.Path)
	if err != nil {
		return fmt.Errorf("failed to read image directory: %w", err)
	}
	checked := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), imagePrefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		want, ok := rel.ArtifactSHA256[e.Name()]
		if !ok {
			return fmt.Errorf("release note does not commit to %q", e.Name())
		}
		got, err := fileSHA256(filepath.Join(v.Path, e.Name()))
		if err != nil {
			return err
		}
		if !bytes.Equal(want, got) {
			return fmt.Errorf("hash of %q is %x, release note claims %x", e.Name(), got, want)
		}
		checked++
	}
	if checked == 0 {
		return fmt.Errorf("no image files in %s", v.Path)
	}

	n.logger.WithFields(logrus.Fields{
		"version_id": v.ID,
		"signer":     signed.Sigs[0].Name,
		"artifacts":  checked,
	}).Info("release note verified")
	return nil
}

func fileSHA256(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return h.Sum(nil), nil
}
