// Package security holds the limits and checks applied to anything the daemon pulls
// from outside: archive sizes, object keys, extraction paths and helper commands.
package security

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"bmc-flashd/internal/logctx"
)

// Config holds security-related configuration
type Config struct {
	MaxFileSize     int64         // Maximum size of a single extracted file (bytes)
	MaxTarSize      int64         // Maximum image archive size (bytes)
	CommandTimeout  time.Duration // Timeout for helper commands
	AllowedPaths    []string      // Base paths the daemon may write under
	BlockedCommands []string      // Commands that must never be executed
	KeyPrefix       string        // Object keys must live under this prefix
}

// DefaultConfig returns the limits used when the config file does not override them.
func DefaultConfig() *Config {
	return &Config{
		MaxFileSize:    256 * 1024 * 1024,
		MaxTarSize:     512 * 1024 * 1024,
		CommandTimeout: 2 * time.Minute,
		AllowedPaths: []string{
			"/tmp/images",
			"/media",
			"/var/lib/bmc-flashd",
			"/run/initramfs",
		},
		BlockedCommands: []string{
			"rm", "rmdir", "mv", "cp", "chmod", "chown", "su", "sudo",
			"passwd", "useradd", "userdel", "usermod",
			"systemctl", "init", "reboot", "shutdown", "poweroff",
		},
		KeyPrefix: "images/",
	}
}

// ValidateFileSize checks if a file size is within limits
func (c *Config) ValidateFileSize(size int64, fileType string) error {
	var limit int64
	switch fileType {
	case "tar":
		limit = c.MaxTarSize
	default:
		limit = c.MaxFileSize
	}
	if limit > 0 && size > limit {
		return fmt.Errorf("file size %d exceeds limit %d for type %s", size, limit, fileType)
	}
	return nil
}

// ValidatePath ensures a path is within allowed directories
func (c *Config) ValidatePath(path string) error {
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}
	for _, allowed := range c.AllowedPaths {
		allowed = filepath.Clean(allowed)
		if cleanPath == allowed || strings.HasPrefix(cleanPath, allowed+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path %s is not within allowed directories", path)
}

// ValidateCommand checks if a command is safe to execute
func (c *Config) ValidateCommand(cmd string) error {
	command := filepath.Base(cmd)
	for _, blocked := range c.BlockedCommands {
		if command == blocked {
			return fmt.Errorf("command %s is blocked for security reasons", command)
		}
	}
	return nil
}

// ValidateObjectKey checks that an image object key is a relative archive path under
// the configured prefix.
func (c *Config) ValidateObjectKey(key string) error {
	cleanPath := filepath.Clean(key)
	if filepath.IsAbs(cleanPath) {
		return fmt.Errorf("absolute image keys not allowed: %s", key)
	}
	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("image key contains directory traversal: %s", key)
	}
	prefix := strings.TrimSuffix(c.KeyPrefix, "/")
	if prefix != "" && !strings.HasPrefix(cleanPath, prefix+"/") {
		return fmt.Errorf("image key must be under %s/: %s", prefix, key)
	}
	if !IsArchive(cleanPath) {
		return fmt.Errorf("image key must have valid archive extension: %s", key)
	}
	return nil
}

var archiveSuffixes = []string{".tar", ".tar.gz", ".tgz", ".tar.xz", ".txz"}

// IsArchive reports whether name has one of the image archive extensions.
func IsArchive(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range archiveSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// ValidateEntry checks an archive member name and returns the path it extracts to
// under root.
func ValidateEntry(root, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q must be a relative path", name)
	}
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the extraction directory", name)
	}
	target := filepath.Join(root, cleaned)
	if target != root && !strings.HasPrefix(target, filepath.Clean(root)+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the extraction directory", name)
	}
	return target, nil
}

// Command creates a command with timeout, a restricted environment and its own
// process group so a timeout kills any children too.
func (c *Config) Command(ctx context.Context, name string, args ...string) (*exec.Cmd, context.CancelFunc, error) {
	if err := c.ValidateCommand(name); err != nil {
		return nil, nil, err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, c.CommandTimeout)
	cmd := exec.CommandContext(cmdCtx, name, args...)
	cmd.Env = []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"LC_ALL=C",
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	return cmd, cancel, nil
}

// SanitizeLogOutput removes credentials and home paths from command output
func SanitizeLogOutput(output string) string {
	sanitized := output

	if strings.Contains(strings.ToLower(sanitized), "aws") {
		lines := strings.Split(sanitized, "\n")
		cleanLines := make([]string, 0, len(lines))
		for _, line := range lines {
			if containsSensitiveAWS(line) {
				cleanLines = append(cleanLines, "[REDACTED: AWS credential]")
				continue
			}
			cleanLines = append(cleanLines, line)
		}
		sanitized = strings.Join(cleanLines, "\n")
	}

	if strings.Contains(sanitized, "/home/") || strings.Contains(sanitized, "/root/") {
		sanitized = strings.ReplaceAll(sanitized, "/home/", "/[HOME]/")
		sanitized = strings.ReplaceAll(sanitized, "/root/", "/[ROOT]/")
	}
	return sanitized
}

func containsSensitiveAWS(line string) bool {
	lower := strings.ToLower(line)
	for _, pattern := range []string{
		"aws_access_key",
		"aws_secret_key",
		"accesskeyid",
		"secretaccesskey",
		"sessiontoken",
	} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// CheckFreeSpace verifies the filesystem holding path has at least required bytes free.
func CheckFreeSpace(ctx context.Context, path string, required uint64) error {
	logger := logctx.GetLogger(ctx).WithField("component", "security")

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Errorf("failed to check disk space: %w", err)
	}

	available := stat.Bavail * uint64(stat.Bsize)
	if available < required {
		return fmt.Errorf("insufficient disk space: have %d bytes, need %d bytes", available, required)
	}

	logger.WithFields(logrus.Fields{
		"path":            path,
		"available_bytes": available,
		"required_bytes":  required,
	}).Debug("disk space check passed")
	return nil
}

// SetupDirectories creates the daemon's working directories with restrictive permissions.
func (c *Config) SetupDirectories(ctx context.Context, dirs ...string) error {
	logger := logctx.GetLogger(ctx).WithField("component", "security")

	for _, dir := range dirs {
		if err := c.ValidatePath(dir); err != nil {
			return fmt.Errorf("invalid directory path %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		logger.WithField("dir", dir).Debug("directory ready")
	}
	return nil
}

// CleanupTemporaryFiles removes hidden entries of dir older than maxAge: the partial
// downloads, uploads and extractions left behind by a crash.
func CleanupTemporaryFiles(ctx context.Context, dir string, maxAge time.Duration) error {
	logger := logctx.GetLogger(ctx).WithField("component", "security")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read temporary directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	cleaned := 0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			logger.WithError(err).WithField("file", path).Warn("failed to get file info")
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			logger.WithError(err).WithField("file", path).Warn("failed to remove old temporary file")
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		logger.WithField("files_cleaned", cleaned).Info("cleaned up temporary files")
	}
	return nil
}
