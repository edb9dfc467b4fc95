// Package pathutil resolves filesystem paths to a canonical absolute form
// and expands the configured `%name%` directory prefixes used throughout
// the configuration file.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnknownPrefix is returned by PrefixSubst when the referenced %name%
// alias has no matching entry in the prefix table.
var ErrUnknownPrefix = errors.New("pathutil: unknown prefix")

// Realpath returns a canonical absolute path: relative paths are resolved
// against the current working directory, `.`/`..`/`//` segments are
// collapsed lexically, and the longest existing ancestor directory is
// resolved through the OS (following any symlinks in that ancestor chain)
// before the unresolved tail is reattached. The leaf component itself is
// never resolved, so a symlink leaf stays symbolic — the caller is
// expected to lstat it.
func Realpath(p string) (string, error) {
	abs := p
	if !filepath.IsAbs(abs) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("pathutil: realpath %q: %w", p, err)
		}

		abs = filepath.Join(cwd, abs)
	}

	clean := filepath.Clean(abs)

	dir, base := filepath.Split(clean)
	dir = strings.TrimSuffix(dir, string(filepath.Separator))

	resolvedDir, tail, err := longestExistingAncestor(dir)
	if err != nil {
		return "", err
	}

	if tail != "" {
		resolvedDir = filepath.Join(resolvedDir, tail)
	}

	if base == "" {
		return resolvedDir, nil
	}

	return filepath.Join(resolvedDir, base), nil
}

// longestExistingAncestor walks up from dir until it finds a component that
// exists, resolves that component via the OS (EvalSymlinks), and returns the
// resolved ancestor plus the non-existent tail that must be reattached
// unresolved.
func longestExistingAncestor(dir string) (resolved, tail string, err error) {
	if dir == "" {
		dir = string(filepath.Separator)
	}

	cur := dir
	var tailParts []string

	for {
		if _, statErr := os.Stat(cur); statErr == nil {
			real, evalErr := filepath.EvalSymlinks(cur)
			if evalErr != nil {
				return "", "", fmt.Errorf("pathutil: resolving %q: %w", cur, evalErr)
			}

			return real, filepath.Join(tailParts...), nil
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			// Reached the filesystem root without finding anything that exists.
			return cur, filepath.Join(tailParts...), nil
		}

		tailParts = append([]string{filepath.Base(cur)}, tailParts...)
		cur = parent
	}
}

// PrefixSubst expands a leading `%name%` alias in p to the directory
// registered for name in prefixes, concatenating the remainder of p. Paths
// that do not start with `%` are returned unchanged.
func PrefixSubst(p string, prefixes map[string]string) (string, error) {
	if !strings.HasPrefix(p, "%") {
		return p, nil
	}

	end := strings.Index(p[1:], "%")
	if end < 0 {
		return p, nil
	}

	name := p[1 : end+1]
	rest := p[end+2:]

	dir, ok := prefixes[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPrefix, name)
	}

	return dir + rest, nil
}

// HasSymlinkAncestor reports whether any directory component in path's
// ancestor chain (excluding the leaf) is a symlink. The change detector
// uses this to decide whether a previously recorded file has been masked
// by a symlinked parent directory and should be treated as deleted.
func HasSymlinkAncestor(path string) (bool, error) {
	dir := filepath.Dir(path)
	if dir == "." || dir == string(filepath.Separator) {
		return false, nil
	}

	cur := dir

	for {
		info, err := os.Lstat(cur)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}

			return false, fmt.Errorf("pathutil: lstat %q: %w", cur, err)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return true, nil
		}

		parent := filepath.Dir(cur)
		if parent == cur {
			return false, nil
		}

		cur = parent
	}
}
