// Package delta wraps the librsync signature/delta/patch operations of
// spec.md §4.6 around github.com/balena-os/librsync-go, framing each
// stream with the protocol package's `octet-stream <N>\n` sentinel. No
// repository in the example pack implements a rolling-checksum delta
// algorithm, so this is an out-of-pack dependency: librsync-go is the
// one real, maintained Go implementation of the librsync wire format the
// spec describes (see DESIGN.md).
package delta

import (
	"bytes"
	"fmt"
	"io"
	"os"

	librsync "github.com/balena-os/librsync-go"

	"github.com/csync2go/csyncd/internal/protocol"
)

// Defaults per spec.md §4.6 ("a library's defaults"): librsync-go's own
// block length and strong-hash length for a BLAKE2-signature file.
const (
	blockLength      = 2048
	strongSumLength  = 8
	signatureVariant = librsync.BLAKE2_SIG_MAGIC
)

// Sig produces a rolling-checksum signature of the file at path and
// writes it, framed, to w. A missing file is treated as empty, matching
// spec.md §4.6 ("or the empty file if path does not exist").
func Sig(path string, w *protocol.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			f = nil
		} else {
			return fmt.Errorf("delta: open %q: %w", path, err)
		}
	}

	var src io.Reader = bytes.NewReader(nil)
	if f != nil {
		defer f.Close()
		src = f
	}

	var buf bytes.Buffer
	if err := librsync.Signature(src, &buf, blockLength, strongSumLength, signatureVariant); err != nil {
		return fmt.Errorf("delta: signature %q: %w", path, err)
	}

	if err := w.WriteFrame(&buf, int64(buf.Len())); err != nil {
		return fmt.Errorf("delta: write signature frame: %w", err)
	}

	return nil
}

// Delta reads a signature frame via r, computes a delta of the file at
// path against it, and writes the delta, framed, to w.
func Delta(path string, r *protocol.Reader, w *protocol.Writer) error {
	sigReader, _, err := r.ReadFrame()
	if err != nil {
		return fmt.Errorf("delta: read signature frame: %w", err)
	}

	sig, err := librsync.ReadSignature(sigReader)
	if err != nil {
		return fmt.Errorf("delta: parse signature: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("delta: open %q: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := librsync.Delta(sig, f, &buf); err != nil {
		return fmt.Errorf("delta: compute delta %q: %w", path, err)
	}

	if err := w.WriteFrame(&buf, int64(buf.Len())); err != nil {
		return fmt.Errorf("delta: write delta frame: %w", err)
	}

	return nil
}

// Patch reads a delta frame via r and rewrites the file at path from the
// old contents (or empty, if path does not exist) plus that delta.
func Patch(path string, r *protocol.Reader) error {
	deltaReader, _, err := r.ReadFrame()
	if err != nil {
		return fmt.Errorf("delta: read delta frame: %w", err)
	}

	var deltaBuf bytes.Buffer
	if _, err := io.Copy(&deltaBuf, deltaReader); err != nil {
		return fmt.Errorf("delta: buffer delta: %w", err)
	}

	basis, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("delta: open basis %q: %w", path, err)
		}

		basis, err = os.Open(os.DevNull)
		if err != nil {
			return fmt.Errorf("delta: open empty basis: %w", err)
		}
	}
	defer basis.Close()

	tmp, err := os.CreateTemp(dirOf(path), ".csyncd-patch-*")
	if err != nil {
		return fmt.Errorf("delta: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := librsync.Patch(basis, &deltaBuf, tmp); err != nil {
		return fmt.Errorf("delta: patch %q: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("delta: close temp file: %w", err)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delta: unlink %q: %w", path, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("delta: install patched %q: %w", path, err)
	}

	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 {
				return "/"
			}

			return path[:i]
		}
	}

	return "."
}

// RsCheck drains a framed signature without comparing it against
// anything and always reports "different". spec.md §4.6/§9 Open Question
// (1): the original only drains the signature and never actually
// compares it, relying on the subsequent delta/patch pass to detect
// identity; this preserves that observable behavior rather than guessing
// at an intended comparison.
func RsCheck(r *protocol.Reader) (identical bool, err error) {
	sigReader, _, err := r.ReadFrame()
	if err != nil {
		return false, fmt.Errorf("delta: rs_check: %w", err)
	}

	if _, err := io.Copy(io.Discard, sigReader); err != nil {
		return false, fmt.Errorf("delta: rs_check: drain signature: %w", err)
	}

	return false, nil
}
