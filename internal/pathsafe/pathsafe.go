// Package pathsafe canonicalizes and validates user-supplied filesystem
// paths, producing a SafePath newtype that downstream code can trust (see
// DESIGN.md, Design Notes §9: "SafePath newtype produced only by the
// validator, so downstream functions cannot accept unchecked strings").
package pathsafe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Kind classifies the error surface described in spec §4.1.
type Kind string

const (
	KindInvalidPath      Kind = "InvalidPath"
	KindNotFound         Kind = "NotFound"
	KindPermissionDenied Kind = "PermissionDenied"
	KindOutsideBase      Kind = "OutsideBase"
)

// Error wraps a Kind with a human-labeled message.
type Error struct {
	Kind    Kind
	Label   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Label, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Label, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, label, msg string, cause error) *Error {
	return &Error{Kind: kind, Label: label, Message: msg, Err: cause}
}

// SafePath is an absolute, canonicalized path produced only by this
// package. It carries no guarantee the target exists; EnsureExistingDir and
// EnsureExistingFile add that guarantee.
type SafePath struct {
	abs string
}

// String returns the underlying absolute path.
func (p SafePath) String() string { return p.abs }

// IsZero reports whether p is the zero value.
func (p SafePath) IsZero() bool { return p.abs == "" }

var windowsDevicePrefixes = []string{`\\?\`, `\\.\`}

// CanonicalizeAbsolute validates raw as an absolute path and returns a
// SafePath, per spec §4.1.
func CanonicalizeAbsolute(raw, label string) (SafePath, error) {
	if raw == "" {
		return SafePath{}, newErr(KindInvalidPath, label, "path is empty", nil)
	}
	if strings.ContainsRune(raw, 0) {
		return SafePath{}, newErr(KindInvalidPath, label, "path contains NUL byte", nil)
	}
	if !filepath.IsAbs(raw) {
		return SafePath{}, newErr(KindInvalidPath, label, "path is not absolute", nil)
	}
	if err := rejectPlatformSpecificPaths(raw, label); err != nil {
		return SafePath{}, err
	}
	clean := filepath.Clean(raw)
	return SafePath{abs: clean}, nil
}

func rejectPlatformSpecificPaths(raw, label string) error {
	for _, prefix := range windowsDevicePrefixes {
		if strings.HasPrefix(raw, prefix) {
			return newErr(KindInvalidPath, label, "device or namespace path is not allowed", nil)
		}
	}
	if strings.HasPrefix(raw, `\\`) && !strings.HasPrefix(raw, `\\?\`) && !strings.HasPrefix(raw, `\\.\`) {
		// UNC path: \\server\share\...
		if len(raw) > 2 {
			return newErr(KindInvalidPath, label, "UNC path is not allowed", nil)
		}
	}
	for _, root := range []string{"/dev", "/proc", "/sys"} {
		if raw == root || strings.HasPrefix(raw, root+"/") {
			return newErr(KindInvalidPath, label, "system/device path is not allowed", nil)
		}
	}
	return nil
}

// EnsureExistingDir resolves symlinks, requires a directory, and checks
// read+execute permission.
func EnsureExistingDir(p SafePath, label string) (SafePath, error) {
	return ensureExisting(p, label, true)
}

// EnsureExistingFile resolves symlinks, requires a regular file, and checks
// read permission.
func EnsureExistingFile(p SafePath, label string) (SafePath, error) {
	return ensureExisting(p, label, false)
}

func ensureExisting(p SafePath, label string, wantDir bool) (SafePath, error) {
	real, err := filepath.EvalSymlinks(p.abs)
	if err != nil {
		if os.IsNotExist(err) {
			return SafePath{}, newErr(KindNotFound, label, "does not exist", err)
		}
		return SafePath{}, newErr(KindPermissionDenied, label, "cannot resolve path", err)
	}
	info, err := os.Stat(real)
	if err != nil {
		if os.IsNotExist(err) {
			return SafePath{}, newErr(KindNotFound, label, "does not exist", err)
		}
		return SafePath{}, newErr(KindPermissionDenied, label, "cannot stat path", err)
	}
	if wantDir && !info.IsDir() {
		return SafePath{}, newErr(KindInvalidPath, label, "expected a directory", nil)
	}
	if !wantDir && info.IsDir() {
		return SafePath{}, newErr(KindInvalidPath, label, "expected a file", nil)
	}
	mode := info.Mode()
	if mode&0400 == 0 {
		return SafePath{}, newErr(KindPermissionDenied, label, "not readable", nil)
	}
	if wantDir && mode&0100 == 0 {
		return SafePath{}, newErr(KindPermissionDenied, label, "not executable (cannot list)", nil)
	}
	return SafePath{abs: real}, nil
}

// IsWithinBase reports whether target lies within base, per spec §4.1:
// "the relative path must not start with .. or be absolute."
func IsWithinBase(base, target SafePath) bool {
	rel, err := filepath.Rel(base.abs, target.abs)
	if err != nil {
		return false
	}
	if filepath.IsAbs(rel) {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

// EnsureWritableDir verifies write permission by creating and deleting a
// unique zero-byte sentinel file, per spec §4.1.
func EnsureWritableDir(p SafePath) error {
	sentinel := filepath.Join(p.abs, fmt.Sprintf(".albumtovideo-write-test-%d", os.Getpid()))
	f, err := os.OpenFile(sentinel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			sentinel = filepath.Join(p.abs, fmt.Sprintf(".albumtovideo-write-test-%d-%d", os.Getpid(), os.Getpid()))
			f, err = os.OpenFile(sentinel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		}
		if err != nil {
			return newErr(KindPermissionDenied, "export folder", "not writable", err)
		}
	}
	_ = f.Close()
	_ = os.Remove(sentinel)
	return nil
}
