package hasher

import (
	"fmt"
	"os"
)

// FileBlob is a Blob backed by a file on disk.
type FileBlob struct {
	*os.File
	size int64
}

// OpenFile opens path for random access reads.
func OpenFile(path string) (*FileBlob, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		file.Close() //nolint:errcheck
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileBlob{File: file, size: info.Size()}, nil
}

// Size ...
func (b *FileBlob) Size() int64 {
	return b.size
}
