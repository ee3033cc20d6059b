package image

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"bmc-flashd/internal/firmware"
	"bmc-flashd/internal/logctx"
	"bmc-flashd/internal/security"
)

// ErrDuplicate is returned when an archive unpacks to a version already present in
// the upload directory.
var ErrDuplicate = errors.New("image already uploaded")

const unpackPrefix = ".unpack-"

// Unpacker extracts uploaded image archives into the upload directory.
type Unpacker struct {
	Security *security.Config
}

// Unpack extracts archivePath into uploadDir/<id>, where id is derived from the
// version in the archive's MANIFEST, and returns the record of the new image.
func (u Unpacker) Unpack(ctx context.Context, archivePath, uploadDir string) (firmware.Record, error) {
	logger := logctx.GetLogger(ctx).WithFields(logrus.Fields{
		"archive":    archivePath,
		"upload_dir": uploadDir,
	})

	info, err := os.Stat(archivePath)
	if err != nil {
		return firmware.Record{}, fmt.Errorf("failed to stat archive: %w", err)
	}
	if err := u.Security.ValidateFileSize(info.Size(), "tar"); err != nil {
		return firmware.Record{}, err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return firmware.Record{}, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	r, err := decompress(f, archivePath)
	if err != nil {
		return firmware.Record{}, err
	}

	tmpDir, err := os.MkdirTemp(uploadDir, unpackPrefix)
	if err != nil {
		return firmware.Record{}, fmt.Errorf("failed to create temporary directory: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			os.RemoveAll(tmpDir)
		}
	}()

	logger.Info("unpacking image archive")
	files, err := u.extract(ctx, tar.NewReader(r), tmpDir)
	if err != nil {
		return firmware.Record{}, err
	}

	manifest, err := ReadManifest(filepath.Join(tmpDir, ManifestFile))
	if err != nil {
		return firmware.Record{}, err
	}

	dest := filepath.Join(uploadDir, firmware.ID(manifest.Version))
	if _, err := os.Stat(dest); err == nil {
		return firmware.Record{}, fmt.Errorf("%w: %s", ErrDuplicate, dest)
	}
	if err := os.Chmod(tmpDir, 0o755); err != nil {
		return firmware.Record{}, fmt.Errorf("failed to set image directory mode: %w", err)
	}
	if err := os.Rename(tmpDir, dest); err != nil {
		return firmware.Record{}, fmt.Errorf("failed to move image into place: %w", err)
	}
	keep = true

	logger.WithFields(logrus.Fields{
		"version": manifest.Version,
		"purpose": manifest.Purpose,
		"dir":     dest,
		"files":   files,
	}).Info("image unpacked")
	return manifest.Record(dest), nil
}

func decompress(r io.Reader, name string) (io.Reader, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, nil
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		return xr, nil
	case strings.HasSuffix(lower, ".tar"):
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported archive %s", name)
	}
}

// extract writes regular files and directories of tr under dir. Other entry types
// are skipped; an image is a flat set of files.
func (u Unpacker) extract(ctx context.Context, tr *tar.Reader, dir string) (int, error) {
	logger := logctx.GetLogger(ctx)
	files := 0
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("failed to read tar header: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return files, err
		}

		target, err := security.ValidateEntry(dir, header.Name)
		if err != nil {
			return files, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, fmt.Errorf("failed to create directory %s: %w", target, err)
			}

		case tar.TypeReg:
			if err := u.Security.ValidateFileSize(header.Size, "file"); err != nil {
				return files, fmt.Errorf("entry %s: %w", header.Name, err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return files, fmt.Errorf("failed to create parent directory: %w", err)
			}
			if err := writeEntry(target, tr, header.Size); err != nil {
				return files, err
			}
			files++

		default:
			logger.WithFields(logrus.Fields{
				"name": header.Name,
				"type": header.Typeflag,
			}).Debug("skipping unsupported file type")
		}
	}
}

func writeEntry(target string, r io.Reader, size int64) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, io.LimitReader(r, size)); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract file %s: %w", target, err)
	}
	return out.Close()
}
