package fileutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"cvtrack/internal/services"
)

// HashFile streams path through SHA-256 and returns the lowercase hex digest.
func HashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", services.Wrap(services.ErrIO, "fileutil", "hash", "stat file", err)
	}
	if !info.Mode().IsRegular() {
		return "", services.Wrap(services.ErrIO, "fileutil", "hash", "not a regular file", fmt.Errorf("%s", path))
	}

	in, err := os.Open(path)
	if err != nil {
		return "", services.Wrap(services.ErrIO, "fileutil", "hash", "open file", err)
	}
	defer in.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, in); err != nil {
		return "", services.Wrap(services.ErrIO, "fileutil", "hash", "read file", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// CopyFileVerified streams src to dst with SHA256 + size integrity verification.
// Removes dst on mismatch. The returned digest is the hex SHA-256 of the copied bytes.
func CopyFileVerified(src, dst string) (string, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	if !srcInfo.Mode().IsRegular() {
		return "", fmt.Errorf("copy %s: not a regular file", src)
	}
	srcSize := srcInfo.Size()

	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = out.Close()
	}()

	srcHasher := sha256.New()
	dstHasher := sha256.New()
	tee := io.TeeReader(in, srcHasher)
	multi := io.MultiWriter(out, dstHasher)

	written, err := io.Copy(multi, tee)
	if err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", err
	}

	if written != srcSize {
		_ = os.Remove(dst)
		return "", fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", srcSize, written)
	}

	sum := dstHasher.Sum(nil)
	if !bytes.Equal(srcHasher.Sum(nil), sum) {
		_ = os.Remove(dst)
		return "", fmt.Errorf("copy hash mismatch: file corrupted during copy")
	}

	return hex.EncodeToString(sum), nil
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
