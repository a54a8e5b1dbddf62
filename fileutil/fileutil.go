package fileutil

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ErrUnsafeDir is returned by Reset when asked to wipe a path that can't
// plausibly be owned by this tool.
var ErrUnsafeDir = errors.New("refusing to reset directory")

// NonEmptyFile returns true if a regular file with the given path exists and
// contains at least one byte.
func NonEmptyFile(filename string) bool {
	info, err := os.Stat(filename)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Reset destructively recreates dir. Everything under dir is removed, then
// dir and any missing parents are created. A missing dir is not an error.
// The caller must treat dir as exclusively owned.
func Reset(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: empty path", ErrUnsafeDir)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if abs == filepath.Dir(abs) {
		return fmt.Errorf("%w: %s is a filesystem root", ErrUnsafeDir, abs)
	}
	cwd, err := os.Getwd()
	if err == nil && (cwd == abs || strings.HasPrefix(cwd, abs+string(filepath.Separator))) {
		return fmt.Errorf("%w: %s contains the working directory", ErrUnsafeDir, abs)
	}

	log.Debugf("removing directory: dir=%s", abs)

	// RemoveAll already reports success for a path that does not exist.
	err = os.RemoveAll(abs)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", abs, err)
	}

	err = os.MkdirAll(abs, 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", abs, err)
	}

	return nil
}

// DigestFile returns the hex-encoded MD5 sum of the file with the given path.
func DigestFile(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	_, err = io.Copy(h, f)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
