// Package merge concatenates patch fragments into a single output.
package merge

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// PatchPattern matches patch files in a local patch directory
const PatchPattern = "*.patch"

// Writer appends fragments to an underlying writer, keeping every fragment
// on its own lines
type Writer struct {
	w       io.Writer
	written int64
}

// NewWriter returns a Writer appending to w
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Fragment writes b followed by a newline if b does not already end in one.
// Empty fragments write nothing.
func (mw *Writer) Fragment(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := mw.write(b); err != nil {
		return err
	}
	if b[len(b)-1] != '\n' {
		return mw.write([]byte{'\n'})
	}
	return nil
}

// Raw writes b unchanged, as used for separators between sources
func (mw *Writer) Raw(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return mw.write(b)
}

// Written returns the number of bytes written so far
func (mw *Writer) Written() int64 {
	return mw.written
}

func (mw *Writer) write(b []byte) error {
	n, err := mw.w.Write(b)
	mw.written += int64(n)
	return err
}

// Concat returns the fragments joined under the newline rule
func Concat(fragments ...[]byte) []byte {
	var buf bytes.Buffer
	mw := NewWriter(&buf)
	for _, f := range fragments {
		// bytes.Buffer writes do not fail
		_ = mw.Fragment(f)
	}
	return buf.Bytes()
}

// LocalFiles lists the patch files directly inside dir, sorted by name
func LocalFiles(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	matches, err := filepath.Glob(filepath.Join(dir, PatchPattern))
	if err != nil {
		return nil, err
	}

	files := make([]string, 0, len(matches))
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil {
			return nil, err
		}
		if st.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}
