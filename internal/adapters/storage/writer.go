package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// hashingWriter tees everything written to w into a SHA256 digest and
// counts the bytes that reached w.
type hashingWriter struct {
	w    io.Writer
	h    hash.Hash
	size int64
}

func newHashingWriter(w io.Writer) *hashingWriter {
	return &hashingWriter{w: w, h: sha256.New()}
}

func (hw *hashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
		hw.size += int64(n)
	}
	return n, err
}

// Hash returns the lowercase hex digest of the bytes written so far.
func (hw *hashingWriter) Hash() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}

func (hw *hashingWriter) Size() int64 {
	return hw.size
}
