// Package hasher computes the content and fingerprint digests used for change detection.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zeebo/xxh3"

	domainerrors "symindex/internal/core/errors"
)

const chunkSize = 64 << 10

// Hasher hashes file contents within a fixed time and size budget.
type Hasher struct {
	timeout  time.Duration
	maxBytes int64
}

func New(timeout time.Duration, maxBytes int64) *Hasher {
	return &Hasher{timeout: timeout, maxBytes: maxBytes}
}

// File returns the hex xxh3-128 digest of path. It fails with a TIMEOUT error once the
// budget elapses and with a VALIDATION_ERROR for files above the size limit.
func (h *Hasher) File(ctx context.Context, path string) (string, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if h.maxBytes > 0 {
		if info, err := f.Stat(); err == nil && info.Size() > h.maxBytes {
			return "", domainerrors.AddContext(domainerrors.New(domainerrors.CodeValidationError,
				fmt.Sprintf("file is %d bytes, limit %d", info.Size(), h.maxBytes)), domainerrors.CtxPath, path)
		}
	}

	d := xxh3.New()
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", domainerrors.AddContext(domainerrors.Wrap(err, domainerrors.CodeTimeout, "hash budget exceeded"),
				domainerrors.CtxPath, path)
		}
		n, err := f.Read(buf)
		if n > 0 {
			_, _ = d.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}

	sum := d.Sum128().Bytes()
	return hex.EncodeToString(sum[:]), nil
}

// Bytes hashes an in-memory buffer with the same digest as File.
func Bytes(data []byte) string {
	sum := xxh3.Hash128(data).Bytes()
	return hex.EncodeToString(sum[:])
}

// Args hashes an ordered argument list. Arguments are NUL separated so that
// ["-I", "a"] and ["-Ia"] differ.
func Args(args []string) string {
	d := xxh3.New()
	for _, a := range args {
		_, _ = d.WriteString(a)
		_, _ = d.Write([]byte{0})
	}
	sum := d.Sum128().Bytes()
	return hex.EncodeToString(sum[:])
}

// Fingerprint is the sha256 digest of the given parts, used for config and build
// database identity.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = io.WriteString(h, p)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FileFingerprint hashes a file's bytes together with its modification time. A missing
// file yields an empty fingerprint and the stat error.
func FileFingerprint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Fingerprint(Bytes(data), info.ModTime().UTC().Format(time.RFC3339Nano)), nil
}

// PathKey is the stable on-disk key for a file's cache entry.
func PathKey(path string) string {
	return fmt.Sprintf("%016x", xxh3.HashString(path))
}
