// Package storage implements the sandboxed local file placement used by the
// document lifecycle: original files under original/<entity-type>/<id>/ and
// compressed artifacts under compressed/<entity-type>/<id>/. No other
// component touches paths directly; every read, write, stat and delete goes
// through this package so the sandbox boundary is enforced in one place.
package storage

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Sentinel errors classified per spec.md §7 ("Storage" kind).
var (
	ErrNotFound            = errors.New("storage: not found")
	ErrPermissionDenied     = errors.New("storage: permission denied")
	ErrInvalidPathComponent = errors.New("storage: invalid path component")
	ErrSizeMismatch         = errors.New("storage: copied size does not match source size")
)

const (
	originalSubdir   = "original"
	compressedSubdir = "compressed"
)

// reservedNames are Windows device names that must never appear as a path
// component, case-insensitively. Ported from
// original_source/src/domains/core/file_storage_service.rs.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// Store places, reads, stats and deletes files under a sandboxed root.
type Store struct {
	root string
}

// New creates a Store rooted at root, creating the original/ and
// compressed/ subtrees if they do not already exist.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolving root %q: %w", root, err)
	}

	for _, sub := range []string{originalSubdir, compressedSubdir} {
		if mkErr := os.MkdirAll(filepath.Join(abs, sub), 0o700); mkErr != nil {
			return nil, fmt.Errorf("storage: creating %s subtree: %w", sub, mkErr)
		}
	}

	return &Store{root: abs}, nil
}

// Root returns the sandbox root (absolute path).
func (s *Store) Root() string { return s.root }

// sanitizeComponent mirrors the original Rust sanitize_component: replace
// path separators and NUL bytes, collapse ".." sequences, trim leading and
// trailing whitespace/dots, and reject empty or reserved results. This is a
// security boundary — callers must never bypass it.
func sanitizeComponent(component string) (string, error) {
	if component == "" {
		return "", fmt.Errorf("%w: empty component", ErrInvalidPathComponent)
	}

	replacer := strings.NewReplacer("/", "_", "\\", "_", "\x00", "_", "..", "_")
	sanitized := replacer.Replace(component)
	sanitized = strings.Trim(sanitized, " \t\n\r.")

	if sanitized == "" {
		return "", fmt.Errorf("%w: empty after sanitization", ErrInvalidPathComponent)
	}

	if reservedNames[strings.ToUpper(sanitized)] {
		return "", fmt.Errorf("%w: reserved name %q", ErrInvalidPathComponent, sanitized)
	}

	return sanitized, nil
}

// resolveRelative re-normalises a caller-supplied relative path by walking
// its components and silently dropping any ".." segment, absolute root, or
// non-UTF-8 component — it never traverses outside the sandbox, no matter
// what the caller passes in. The result is absolute and rooted at the
// sandbox root; passing a result back in nests it under the root again.
func (s *Store) resolveRelative(relative string) string {
	clean := filepath.ToSlash(relative)
	parts := strings.Split(clean, "/")

	kept := make([]string, 0, len(parts))

	for _, part := range parts {
		switch part {
		case "", ".", "..":
			continue
		default:
			if !utf8Valid(part) {
				continue
			}

			kept = append(kept, part)
		}
	}

	return filepath.Join(s.root, filepath.Join(kept...))
}

func utf8Valid(s string) bool {
	return strings.ToValidUTF8(s, "�") == s
}

// absoluteFor resolves a relative path under the sandbox and guarantees the
// result stays within root even after symlink-free normalisation.
func (s *Store) absoluteFor(relative string) (string, error) {
	abs := s.resolveRelative(relative)

	rel, err := filepath.Rel(s.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("storage: path %q escapes sandbox root", relative)
	}

	return abs, nil
}

func uniqueFilename(suggested string) string {
	ext := filepath.Ext(suggested)
	return uuid.NewString() + ext
}

func buildRelative(subdir, entityType, entityID, filename string) (string, error) {
	sEntityType, err := sanitizeComponent(entityType)
	if err != nil {
		return "", err
	}

	sID, err := sanitizeComponent(entityID)
	if err != nil {
		return "", err
	}

	return filepath.Join(subdir, sEntityType, sID, filename), nil
}

// Save writes data to original/<entityType>/<entityID>/<uuid>.<ext>,
// creating parent directories as needed, and returns the relative path and
// byte size written.
func (s *Store) Save(data []byte, entityType, entityID, suggestedFilename string) (string, int64, error) {
	relative, err := buildRelative(originalSubdir, entityType, entityID, uniqueFilename(suggestedFilename))
	if err != nil {
		return "", 0, err
	}

	abs, err := s.absoluteFor(relative)
	if err != nil {
		return "", 0, err
	}

	if mkErr := os.MkdirAll(filepath.Dir(abs), 0o700); mkErr != nil {
		return "", 0, fmt.Errorf("storage: creating parent directories: %w", mkErr)
	}

	if wErr := os.WriteFile(abs, data, 0o600); wErr != nil {
		return "", 0, fmt.Errorf("storage: writing %q: %w", relative, wErr)
	}

	return relative, int64(len(data)), nil
}

// SaveFromPath copies sourcePath (which may be percent-encoded, as iOS file
// providers often hand back encoded URIs) into original/<entityType>/<entityID>/
// using a filesystem copy rather than an in-memory load.
func (s *Store) SaveFromPath(sourcePath, entityType, entityID, suggestedFilename string) (string, int64, error) {
	decoded, err := url.PathUnescape(sourcePath)
	if err != nil {
		decoded = sourcePath
	}

	srcInfo, statErr := os.Stat(decoded)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return "", 0, fmt.Errorf("%w: %s", ErrNotFound, decoded)
		}

		if os.IsPermission(statErr) {
			return "", 0, fmt.Errorf("%w: %s", ErrPermissionDenied, decoded)
		}

		return "", 0, fmt.Errorf("storage: stat %q: %w", decoded, statErr)
	}

	relative, err := buildRelative(originalSubdir, entityType, entityID, uniqueFilename(suggestedFilename))
	if err != nil {
		return "", 0, err
	}

	abs, err := s.absoluteFor(relative)
	if err != nil {
		return "", 0, err
	}

	if mkErr := os.MkdirAll(filepath.Dir(abs), 0o700); mkErr != nil {
		return "", 0, fmt.Errorf("storage: creating parent directories: %w", mkErr)
	}

	written, err := copyFile(decoded, abs)
	if err != nil {
		return "", 0, err
	}

	if written != srcInfo.Size() {
		return "", 0, fmt.Errorf("%w: wrote %d, source was %d", ErrSizeMismatch, written, srcInfo.Size())
	}

	return relative, written, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		if os.IsPermission(err) {
			return 0, fmt.Errorf("%w: %s", ErrPermissionDenied, src)
		}

		return 0, fmt.Errorf("storage: opening source %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("storage: creating destination %q: %w", dst, err)
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return n, fmt.Errorf("storage: copying %q to %q: %w", src, dst, err)
	}

	return n, nil
}

// SaveCompressed writes bytes to compressed/<entityType>/<entityID>/<filename>.
func (s *Store) SaveCompressed(data []byte, entityType, entityID, filename string) (string, int64, error) {
	relative, err := buildRelative(compressedSubdir, entityType, entityID, filename)
	if err != nil {
		return "", 0, err
	}

	abs, err := s.absoluteFor(relative)
	if err != nil {
		return "", 0, err
	}

	if mkErr := os.MkdirAll(filepath.Dir(abs), 0o700); mkErr != nil {
		return "", 0, fmt.Errorf("storage: creating parent directories: %w", mkErr)
	}

	if wErr := os.WriteFile(abs, data, 0o600); wErr != nil {
		return "", 0, fmt.Errorf("storage: writing %q: %w", relative, wErr)
	}

	return relative, int64(len(data)), nil
}

// Delete removes the file at relative. Idempotent: a missing file is success.
// Refuses any path that would escape the sandbox root.
func (s *Store) Delete(relative string) error {
	abs, err := s.absoluteFor(relative)
	if err != nil {
		return err
	}

	if rmErr := os.Remove(abs); rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("storage: deleting %q: %w", relative, rmErr)
	}

	return nil
}

// Read returns the bytes at relative. Refuses paths outside the sandbox.
func (s *Store) Read(relative string) ([]byte, error) {
	abs, err := s.absoluteFor(relative)
	if err != nil {
		return nil, err
	}

	data, rErr := os.ReadFile(abs)
	if rErr != nil {
		if os.IsNotExist(rErr) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, relative)
		}

		return nil, fmt.Errorf("storage: reading %q: %w", relative, rErr)
	}

	return data, nil
}

// Size stats relative without reading its contents.
func (s *Store) Size(relative string) (uint64, error) {
	abs, err := s.absoluteFor(relative)
	if err != nil {
		return 0, err
	}

	info, statErr := os.Stat(abs)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, relative)
		}

		return 0, fmt.Errorf("storage: stat %q: %w", relative, statErr)
	}

	return uint64(info.Size()), nil
}

// Exists reports whether relative names a file that currently exists and is
// non-empty, per the deferred-deletion scheduling precondition (spec.md
// §4.D "Verifies the compressed file exists and is non-empty").
func (s *Store) Exists(relative string) (bool, error) {
	size, err := s.Size(relative)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	return size > 0, nil
}
