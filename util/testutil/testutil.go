package testutil

import (
	"io/ioutil"
	"math/rand"
	"os"
	"testing"
)

// CreateDummyBuf creates a byte slice that is `size` big.
// It's filled with the repeating numbers [0...254], so that block
// boundaries of power-of-two sizes do not line up with the pattern.
func CreateDummyBuf(size int64) []byte {
	buf := make([]byte, size)

	for i := int64(0); i < size; i++ {
		buf[i] = byte(i % 255)
	}

	return buf
}

// CreateRandomDummyBuf creates a reproducible buffer of random data.
func CreateRandomDummyBuf(size, seed int64) []byte {
	buf := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

// CreatePatternBuf returns `size` bytes all set to `pattern`.
func CreatePatternBuf(size int64, pattern byte) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = pattern
	}

	return buf
}

// CreateImage writes `data` to a temporary disk image and returns its path.
// The image is removed when the test ends.
func CreateImage(t *testing.T, data []byte) string {
	fd, err := ioutil.TempFile("", "vmcache-image")
	if err != nil {
		t.Fatalf("cannot create temp image: %v", err)
	}

	if _, err := fd.Write(data); err != nil {
		t.Fatalf("cannot write temp image: %v", err)
	}

	if err := fd.Close(); err != nil {
		t.Fatalf("cannot close temp image: %v", err)
	}

	path := fd.Name()
	t.Cleanup(func() { Remover(t, path) })
	return path
}

// TempDir creates a temporary directory that is removed when the test ends.
func TempDir(t *testing.T, prefix string) string {
	dir, err := ioutil.TempDir("", prefix)
	if err != nil {
		t.Fatalf("cannot create temp dir: %v", err)
	}

	t.Cleanup(func() { Remover(t, dir) })
	return dir
}

// Remover removes all files in paths recursively and errors when it fails.
// It is no error if there's nothing to delete. It's useful in defer statements.
func Remover(t *testing.T, paths ...string) {
	for _, path := range paths {
		if err := os.RemoveAll(path); err != nil {
			t.Errorf("removing temp directory failed: %v", err)
		}
	}
}
