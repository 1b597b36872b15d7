// Package hashing provides the BLAKE3 content-addressing primitives
// shared by the witness engine and the copy-variant CEL's comparison of
// same-size files against the base.
package hashing

import (
	"encoding/hex"
	"io"
	"os"

	"lukechampine.com/blake3"
)

// Hash is an opaque tagged digest, "blake3:<hex>".
type Hash string

const (
	prefix    = "blake3:"
	chunkSize = 1024 * 1024 // 1 MiB, per spec
)

// Bytes hashes a byte slice in 1 MiB chunks, matching the streaming
// hashers below so all three entry points produce identical output for
// identical content.
func Bytes(data []byte) Hash {
	h := blake3.New(32, nil)
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		h.Write(data[:n])
		data = data[n:]
	}
	return Hash(prefix + hex.EncodeToString(h.Sum(nil)))
}

// File hashes the contents of the file at path.
func File(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Stream(f)
}

// Stream hashes everything readable from r, chunked at 1 MiB.
func Stream(r io.Reader) (Hash, error) {
	h := blake3.New(32, nil)
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return Hash(prefix + hex.EncodeToString(h.Sum(nil))), nil
}

// Verify reports whether the file at path hashes to expected.
func Verify(path string, expected Hash) (bool, error) {
	actual, err := File(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

// Hex returns the bare hex digest without the "blake3:" tag, e.g. for
// use as a content-addressed blob filename.
func (h Hash) Hex() string {
	s := string(h)
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}
