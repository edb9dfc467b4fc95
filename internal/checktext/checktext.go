// Package checktext builds the canonical per-file identity string compared
// against the last-known state in the Store (spec.md §4.4).
package checktext

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/csync2go/csyncd/internal/encode"
)

// Version is the check-text format tag. Any change to the format below is a
// protocol-breaking event (spec.md §4.4).
const Version = "v1"

// FileType is the "type" field of a check-text: one of reg, dir, chr, blk,
// fifo, lnk, sock.
type FileType string

// File type tags, matching spec.md §4.4 exactly.
const (
	TypeRegular FileType = "reg"
	TypeDir     FileType = "dir"
	TypeChar    FileType = "chr"
	TypeBlock   FileType = "blk"
	TypeFIFO    FileType = "fifo"
	TypeSymlink FileType = "lnk"
	TypeSocket  FileType = "sock"
)

// Build lstats path and returns its canonical check-text. For a symlink, the
// target is read and encoded into the `target=` field. ignoreMtime zeroes
// the mtime field instead of omitting it (the field is always present
// except for symlinks, which never carry an mtime field at all).
func Build(path string, ignoreMtime bool) (string, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return "", fmt.Errorf("checktext: lstat %q: %w", path, err)
	}

	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return "", fmt.Errorf("checktext: %q: unsupported stat representation", path)
	}

	typ, err := classify(fi.Mode())
	if err != nil {
		return "", fmt.Errorf("checktext: %q: %w", path, err)
	}

	var b strings.Builder

	b.WriteString(Version)

	if typ != TypeSymlink {
		mtime := st.Mtim.Sec
		if ignoreMtime {
			mtime = 0
		}

		fmt.Fprintf(&b, ":mtime=%d", mtime)
	}

	fmt.Fprintf(&b, ":mode=%d:uid=%d:gid=%d", fi.Mode().Perm(), st.Uid, st.Gid)
	fmt.Fprintf(&b, ":type=%s", typ)

	switch typ {
	case TypeRegular:
		fmt.Fprintf(&b, ":size=%d", fi.Size())
	case TypeChar, TypeBlock:
		fmt.Fprintf(&b, ":dev=%d", st.Rdev)
	case TypeSymlink:
		target, err := os.Readlink(path)
		if err != nil {
			return "", fmt.Errorf("checktext: readlink %q: %w", path, err)
		}

		fmt.Fprintf(&b, ":target=%s", encode.Encode(target))
	case TypeDir, TypeFIFO, TypeSocket:
		// no extra field
	}

	return b.String(), nil
}

// classify maps an os.FileMode to the check-text type tag.
func classify(mode os.FileMode) (FileType, error) {
	switch {
	case mode&os.ModeSymlink != 0:
		return TypeSymlink, nil
	case mode&os.ModeNamedPipe != 0:
		return TypeFIFO, nil
	case mode&os.ModeSocket != 0:
		return TypeSocket, nil
	case mode&os.ModeDevice != 0:
		if mode&os.ModeCharDevice != 0 {
			return TypeChar, nil
		}

		return TypeBlock, nil
	case mode.IsDir():
		return TypeDir, nil
	case mode.IsRegular():
		return TypeRegular, nil
	default:
		return "", fmt.Errorf("unsupported file mode %v", mode)
	}
}

// Field extracts the value of a named field (e.g. "size", "mtime") from a
// check-text string, returning ("", false) if the field is absent.
func Field(checkText, name string) (string, bool) {
	prefix := name + "="

	for _, part := range strings.Split(checkText, ":") {
		if strings.HasPrefix(part, prefix) {
			return part[len(prefix):], true
		}
	}

	return "", false
}

// Type returns the "type" field of a check-text.
func Type(checkText string) (FileType, bool) {
	v, ok := Field(checkText, "type")
	return FileType(v), ok
}

// Target returns the decoded symlink target carried in a check-text's
// "target" field.
func Target(checkText string) (string, bool) {
	v, ok := Field(checkText, "target")
	if !ok {
		return "", false
	}

	return encode.Decode(v), true
}

// Size returns the "size" field of a check-text as an int64.
func Size(checkText string) (int64, bool) {
	v, ok := Field(checkText, "size")
	if !ok {
		return 0, false
	}

	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}

	return n, true
}
