package hasher

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/mmap"
	"lukechampine.com/blake3"

	"storagejanitor/logger"
)

const (
	hashBufferSmallSize      = 32 * 1024
	hashBufferLargeSize      = 128 * 1024
	hashLargeBufferThreshold = 256 * 1024
	// Files at least this large are read through a memory map.
	mmapThreshold = 8 * 1024 * 1024
)

const DefaultAlgorithm = "sha256"

var hashBufferSmallPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashBufferSmallSize)
		return &buf
	},
}

var hashBufferLargePool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashBufferLargeSize)
		return &buf
	},
}

var constructors = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"blake3": func() hash.Hash { return blake3.New(32, nil) },
	"xxh64":  func() hash.Hash { return xxhash.New() },
}

var openMmapReader = mmap.Open

// Supported lists the accepted algorithm names in sorted order.
func Supported() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func IsSupported(algo string) bool {
	_, ok := constructors[strings.ToLower(algo)]
	return ok
}

// ComputeHash returns the digest of the file at path formatted as
// "<algo>:<hex>".
func ComputeHash(path, algo string) (string, error) {
	algo = strings.ToLower(strings.TrimSpace(algo))
	if algo == "" {
		algo = DefaultAlgorithm
	}
	hashes, err := ComputeHashes(path, []string{algo})
	if err != nil {
		return "", err
	}
	sum, ok := hashes[algo]
	if !ok {
		return "", fmt.Errorf("unsupported hash algorithm %q", algo)
	}
	return algo + ":" + sum, nil
}

// ComputeHashes hashes the file once with every requested algorithm. Unknown
// algorithms are skipped with a warning.
func ComputeHashes(path string, algorithms []string) (map[string]string, error) {
	hashes := make(map[string]string, len(algorithms))

	type hasherEntry struct {
		name string
		h    hash.Hash
	}
	hashers := make([]hasherEntry, 0, len(algorithms))
	seen := make(map[string]struct{}, len(algorithms))
	for _, algo := range algorithms {
		algo = strings.ToLower(algo)
		if _, ok := seen[algo]; ok {
			continue
		}
		newHash, ok := constructors[algo]
		if !ok {
			logger.Warnf("Unsupported hash algorithm: %s", algo)
			continue
		}
		seen[algo] = struct{}{}
		hashers = append(hashers, hasherEntry{name: algo, h: newHash()})
	}
	if len(hashers) == 0 {
		return hashes, nil
	}

	writers := make([]io.Writer, len(hashers))
	for i := range hashers {
		writers[i] = hashers[i].h
	}
	if err := copyFile(path, io.MultiWriter(writers...)); err != nil {
		return hashes, fmt.Errorf("hash %s: %w", path, err)
	}

	for i := range hashers {
		hashes[hashers[i].name] = hex.EncodeToString(hashers[i].h.Sum(nil))
	}
	return hashes, nil
}

func copyFile(path string, dst io.Writer) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	bufferPool := &hashBufferSmallPool
	if info.Size() >= hashLargeBufferThreshold {
		bufferPool = &hashBufferLargePool
	}
	bufferPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufferPtr)

	if info.Size() >= mmapThreshold {
		if r, err := openMmapReader(path); err == nil {
			defer r.Close()
			_, err = io.CopyBuffer(dst, io.NewSectionReader(r, 0, int64(r.Len())), *bufferPtr)
			return err
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.CopyBuffer(dst, onlyReader{file}, *bufferPtr)
	return err
}

// onlyReader hides ReadFrom/WriteTo so CopyBuffer uses the pooled buffer.
type onlyReader struct {
	io.Reader
}
