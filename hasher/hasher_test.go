package hasher

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.New(rand.NewSource(42)).Read(b)
	require.NoError(t, err)
	return b
}

type failingBlob struct {
	size    int64
	failAt  int64
	readErr error
}

func (b failingBlob) ReadAt(p []byte, off int64) (int, error) {
	if off >= b.failAt {
		return 0, b.readErr
	}
	return len(p), nil
}

func (b failingBlob) Size() int64 { return b.size }

func TestHasher_Digest(t *testing.T) {
	data := randomBytes(t, 10*1024+17)
	h := New(1024, log.NewLogger())

	tests := []struct {
		name string
		mode Mode
		want string
	}{
		{
			name: "whole file",
			mode: Whole(),
			want: md5Hex(data),
		},
		{
			name: "explicit range",
			mode: Range(2048, 5000),
			want: md5Hex(data[2048:5000]),
		},
		{
			name: "prefix limited",
			mode: Prefix(3),
			want: md5Hex(data[:3*1024]),
		},
		{
			name: "prefix longer than blob",
			mode: Prefix(100),
			want: md5Hex(data),
		},
		{
			name: "empty range",
			mode: Range(10, 10),
			want: "d41d8cd98f00b204e9800998ecf8427e",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Digest(context.Background(), bytes.NewReader(data), tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHasher_Digest_SameBufferTwice(t *testing.T) {
	data := randomBytes(t, 5*1024*1024+3)
	h := New(DefaultBlockSize, log.NewLogger())

	first, err := h.Digest(context.Background(), bytes.NewReader(data), Whole())
	require.NoError(t, err)
	second, err := h.Digest(context.Background(), bytes.NewReader(data), Whole())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, md5Hex(data), first)
}

func TestHasher_Digest_EmptyBlob(t *testing.T) {
	h := New(0, log.NewLogger())

	got, err := h.Digest(context.Background(), bytes.NewReader(nil), Whole())
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", got)
	assert.Equal(t, DefaultBlockSize, h.BlockSize())
}

func TestHasher_Digest_InvalidRange(t *testing.T) {
	h := New(1024, log.NewLogger())

	_, err := h.Digest(context.Background(), bytes.NewReader([]byte("abc")), Range(2, 10))
	assert.Error(t, err)
}

func TestHasher_Digest_ReadFailure(t *testing.T) {
	readErr := errors.New("disk on fire")
	h := New(1024, log.NewLogger())

	_, err := h.Digest(context.Background(), failingBlob{size: 4096, failAt: 2048, readErr: readErr}, Whole())
	require.Error(t, err)
	assert.True(t, errors.Is(err, readErr))
}

func TestHasher_Digest_Cancelled(t *testing.T) {
	h := New(1024, log.NewLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Digest(ctx, bytes.NewReader(randomBytes(t, 4096)), Whole())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHasher_Start(t *testing.T) {
	data := []byte("abc")
	h := New(1024, log.NewLogger())

	task := h.Start(context.Background(), bytes.NewReader(data), Whole())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	digest, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", digest)

	got, ok, err := task.Result()
	assert.True(t, ok)
	assert.NoError(t, err)
	assert.Equal(t, digest, got)
}

func TestTask_ResultBeforeDone(t *testing.T) {
	task := &Task{done: make(chan struct{})}

	_, ok, err := task.Result()
	assert.False(t, ok)
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = task.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	task.resolve("x", nil)
	task.resolve("y", nil)
	got, ok, _ := task.Result()
	assert.True(t, ok)
	assert.Equal(t, "x", got)
}

func TestResolved(t *testing.T) {
	task := Resolved("d", nil)

	select {
	case <-task.Done():
	default:
		t.Fatal("expected resolved task to be done")
	}
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "whole", Whole().String())
	assert.Equal(t, "range[1:2]", Range(1, 2).String())
	assert.Equal(t, "prefix(3 blocks)", Prefix(3).String())
}
