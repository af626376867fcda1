package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// MaxBackups is how many rotated copies of a config file are kept.
const MaxBackups = 5

func backupPath(path string, n int) string {
	return fmt.Sprintf("%s.bak.%d", path, n)
}

// RotateBackups shifts path.bak.1..N to .bak.2..N+1, drops copies beyond
// maxBackups and snapshots the live file as .bak.1. A missing live file is
// a no-op.
func RotateBackups(path string, maxBackups int) error {
	if maxBackups <= 0 {
		maxBackups = MaxBackups
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}

	for i := maxBackups; i >= 1; i-- {
		src := backupPath(path, i)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if i+1 > maxBackups {
			if err := os.Remove(src); err != nil {
				return fmt.Errorf("drop oldest backup: %w", err)
			}
			continue
		}
		if err := os.Rename(src, backupPath(path, i+1)); err != nil {
			return fmt.Errorf("shift backup %d: %w", i, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read live file: %w", err)
	}
	if err := os.WriteFile(backupPath(path, 1), data, 0o644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}

// WriteFileWithBackup rotates the existing backups and atomically replaces
// the file.
func WriteFileWithBackup(path string, data []byte, maxBackups int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if err := RotateBackups(path, maxBackups); err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o644)
}

// WriteFileAtomic writes via a temp file in the target directory and
// renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// ListBackups returns the existing backups of path, newest (.bak.1) first.
func ListBackups(path string) []string {
	var out []string
	for i := 1; i <= MaxBackups; i++ {
		p := backupPath(path, i)
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// RestoreBackup copies .bak.n over the live file after snapshotting the
// current content as .before-restore. The backup set itself is untouched.
func RestoreBackup(path string, n int) error {
	if n < 1 || n > MaxBackups {
		return fmt.Errorf("backup index %d out of range 1..%d", n, MaxBackups)
	}
	src := backupPath(path, n)
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read backup %d: %w", n, err)
	}

	if current, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".before-restore", current, 0o644); err != nil {
			return fmt.Errorf("snapshot current file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read live file: %w", err)
	}

	return WriteFileAtomic(path, data, 0o644)
}
