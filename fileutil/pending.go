package fileutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Pending is a file being written in place of dest. Its content only becomes
// visible at dest once Commit succeeds; until then it lives under a hidden
// temporary name in the same directory, so the final rename never crosses a
// filesystem boundary.
type Pending struct {
	f    *os.File
	dest string
	done bool
}

// CreatePending ensures dest's parent directory exists and opens a temporary
// file next to it.
func CreatePending(dest string) (*Pending, error) {
	dir := filepath.Dir(dest)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return nil, err
	}

	return &Pending{
		f:    f,
		dest: dest,
	}, nil
}

// Write implements io.Writer.
func (p *Pending) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// Name returns the path of the temporary file.
func (p *Pending) Name() string {
	return p.f.Name()
}

// Size returns the number of bytes currently stored in the temporary file.
func (p *Pending) Size() (int64, error) {
	info, err := p.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Commit flushes the temporary file to disk and atomically renames it to the
// destination path, replacing any existing file there.
func (p *Pending) Commit() error {
	if p.done {
		return errors.New("pending file already finished")
	}
	p.done = true

	err := p.f.Sync()
	if err != nil {
		p.cleanup()
		return fmt.Errorf("failed to sync %s: %w", p.f.Name(), err)
	}

	err = p.f.Close()
	if err != nil {
		os.Remove(p.f.Name())
		return fmt.Errorf("failed to close %s: %w", p.f.Name(), err)
	}

	err = os.Chmod(p.f.Name(), 0644)
	if err != nil {
		os.Remove(p.f.Name())
		return err
	}

	err = os.Rename(p.f.Name(), p.dest)
	if err != nil {
		os.Remove(p.f.Name())
		return fmt.Errorf("failed to rename %s: %w", p.f.Name(), err)
	}

	return nil
}

// Discard abandons the temporary file. It is a no-op after Commit or a prior
// Discard, so it is safe to defer.
func (p *Pending) Discard() {
	if p.done {
		return
	}
	p.done = true
	p.cleanup()
}

func (p *Pending) cleanup() {
	p.f.Close()
	os.Remove(p.f.Name())
}
