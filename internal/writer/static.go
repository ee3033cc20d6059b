package writer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"bmc-flashd/internal/activation"
	"bmc-flashd/internal/firmware"
)

// DefaultStagingDir is where the shutdown initramfs looks for images to flash.
const DefaultStagingDir = "/run/initramfs"

const imagePrefix = "image-"

// StaticWriter stages the image files of a version for the shutdown initramfs. The copy
// is complete when Begin returns.
type StaticWriter struct {
	Logger logrus.FieldLogger
	Dir    string
}

var _ activation.Writer = StaticWriter{}

func (w StaticWriter) Begin(ctx context.Context, v *firmware.Version) (activation.Begun, error) {
	if v.Path == "" {
		return activation.Begun{}, fmt.Errorf("version %s has no image directory", v.ID)
	}
	entries, err := os.ReadDir(v.Path)
	if err != nil {
		return activation.Begun{}, fmt.Errorf("failed to read image directory: %w", err)
	}

	staged := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), imagePrefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return activation.Begun{}, err
		}
		if err := copyFile(filepath.Join(v.Path, e.Name()), filepath.Join(w.Dir, e.Name())); err != nil {
			return activation.Begun{}, err
		}
		staged++
	}
	if staged == 0 {
		return activation.Begun{}, fmt.Errorf("no image files in %s", v.Path)
	}

	unix.Sync()
	w.Logger.WithFields(logrus.Fields{"version_id": v.ID, "files": staged, "dir": w.Dir}).Info("images staged for flash on reboot")
	return activation.Begun{Sync: true}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
