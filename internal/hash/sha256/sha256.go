// Package sha256 provides SHA-256 hashing for blob naming and content digests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DigestReader hashes and counts everything read through it.
type DigestReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewDigestReader wraps r.
func NewDigestReader(r io.Reader) *DigestReader {
	return &DigestReader{r: r, h: sha256.New()}
}

// Read implements io.Reader.
func (d *DigestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Sum returns the hex digest of the bytes read so far.
func (d *DigestReader) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// BytesRead reports how many bytes passed through the reader.
func (d *DigestReader) BytesRead() int64 {
	return d.n
}
