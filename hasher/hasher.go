// Package hasher computes MD5 digests of large blobs incrementally, one fixed-size block at a time.
package hasher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// DefaultBlockSize is the size of a single sequential read (2 MiB).
const DefaultBlockSize int64 = 2 * 1024 * 1024

// Algorithm is the name of the digest algorithm as sent on the wire.
const Algorithm = "md5"

// Blob is a random access source of bytes with a known size.
type Blob interface {
	io.ReaderAt
	Size() int64
}

type modeKind int

const (
	modeWhole modeKind = iota
	modeRange
	modePrefix
)

// Mode selects which bytes of a blob are digested.
type Mode struct {
	kind   modeKind
	start  int64
	end    int64
	blocks int
}

// Whole scans every block of the blob.
func Whole() Mode {
	return Mode{kind: modeWhole}
}

// Range digests exactly [start, end) with a single read.
func Range(start, end int64) Mode {
	return Mode{kind: modeRange, start: start, end: end}
}

// Prefix digests only the first k blocks of the blob.
func Prefix(k int) Mode {
	return Mode{kind: modePrefix, blocks: k}
}

// String ...
func (m Mode) String() string {
	switch m.kind {
	case modeRange:
		return fmt.Sprintf("range[%d:%d]", m.start, m.end)
	case modePrefix:
		return fmt.Sprintf("prefix(%d blocks)", m.blocks)
	default:
		return "whole"
	}
}

// Hasher ...
type Hasher struct {
	blockSize int64
	logger    log.Logger
}

// New creates a Hasher reading blocks of blockSize bytes. A non-positive blockSize selects DefaultBlockSize.
func New(blockSize int64, logger log.Logger) Hasher {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return Hasher{
		blockSize: blockSize,
		logger:    logger,
	}
}

// BlockSize ...
func (h Hasher) BlockSize() int64 {
	return h.blockSize
}

// Digest returns the hex encoded MD5 of the bytes of blob selected by mode.
// Blocks are read strictly one after the other into a single reused buffer, so peak memory stays at one block
// (or the requested range for Range).
func (h Hasher) Digest(ctx context.Context, blob Blob, mode Mode) (string, error) {
	size := blob.Size()

	if mode.kind == modeRange {
		if mode.start < 0 || mode.end < mode.start || mode.end > size {
			return "", fmt.Errorf("invalid range [%d, %d) for blob of %d bytes", mode.start, mode.end, size)
		}
		buf := make([]byte, mode.end-mode.start)
		if _, err := blob.ReadAt(buf, mode.start); err != nil && err != io.EOF {
			h.logger.Warnf("Failed to read %s: %s", mode, err)
			return "", fmt.Errorf("read %s: %w", mode, err)
		}
		sum := md5.Sum(buf)
		return hex.EncodeToString(sum[:]), nil
	}

	blocks := blockCount(size, h.blockSize)
	if mode.kind == modePrefix && mode.blocks > 0 && int64(mode.blocks) < blocks {
		blocks = int64(mode.blocks)
	}

	h.logger.Debugf("Computing %s digest over %d block(s) of %s", mode, blocks, units.BytesSize(float64(h.blockSize)))

	md := md5.New()
	buf := make([]byte, minInt64(h.blockSize, size))
	for i := int64(0); i < blocks; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := h.appendBlock(md, blob, buf, i, size); err != nil {
			h.logger.Warnf("Failed to read block %d of %d: %s", i+1, blocks, err)
			return "", err
		}
	}

	digest := hex.EncodeToString(md.Sum(nil))
	h.logger.Debugf("Computed %s digest: %s", mode, digest)

	return digest, nil
}

func (h Hasher) appendBlock(md hash.Hash, blob Blob, buf []byte, index, size int64) error {
	start := index * h.blockSize
	end := start + h.blockSize
	if end > size {
		end = size
	}

	n, err := blob.ReadAt(buf[:end-start], start)
	if err != nil && !(err == io.EOF && int64(n) == end-start) {
		return fmt.Errorf("read block %d: %w", index+1, err)
	}

	md.Write(buf[:n]) //nolint:errcheck
	return nil
}

func blockCount(size, blockSize int64) int64 {
	return (size + blockSize - 1) / blockSize
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
