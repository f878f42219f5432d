package faultline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBinForSize(t *testing.T) {
	testCases := []struct {
		size      uintptr
		bin       int
		chunkSize uintptr
		ok        bool
	}{
		{size: 0, bin: 2, chunkSize: 48, ok: true},
		{size: 15, bin: 2, chunkSize: 48, ok: true},
		{size: 16, bin: 3, chunkSize: 64, ok: true},
		{size: 24, bin: 3, chunkSize: 64, ok: true},
		{size: 100, bin: 8, chunkSize: 144, ok: true},
		{size: 991, bin: 63, chunkSize: 1024, ok: true},
		{size: 992},
		{size: 4096},
		{size: ^uintptr(0)},
	}

	for _, testCase := range testCases {
		bin, ok := binForSize(testCase.size)
		require.Equal(t, testCase.ok, ok, "size %d", testCase.size)
		if !ok {
			continue
		}

		require.Equal(t, testCase.bin, bin, "size %d", testCase.size)
		require.Equal(t, testCase.chunkSize, binChunkSize(bin))
		require.Greater(t, uint64(binCapacity(bin)), uint64(testCase.size))
	}
}

func TestChunkHeaderEncoding(t *testing.T) {
	header := chunkHeader{next: 0x12340, allocated: true}
	word := header.encode()
	require.Equal(t, uintptr(0x12341), word)
	require.Equal(t, header, decodeChunkHeader(word))

	require.Equal(t, chunkHeader{next: 0x12340}, decodeChunkHeader(0x12340))

	require.Panics(t, func() {
		chunkHeader{next: 0x1238}.encode()
	})
}

func TestBinPageChunkStarts(t *testing.T) {
	page := &binPage{address: 0x10000, bin: 3, chunkCount: 64}

	require.True(t, page.isChunkStart(0x10000))
	require.True(t, page.isChunkStart(0x10040))
	require.True(t, page.isChunkStart(0x10fc0))
	require.False(t, page.isChunkStart(0x10020))
	require.False(t, page.isChunkStart(0x11000))
	require.False(t, page.isChunkStart(0xffc0))
	require.Equal(t, chunk(0x10080), page.chunk(2))
}
