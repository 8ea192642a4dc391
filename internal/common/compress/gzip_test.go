package compress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressAndDecompressGiveOriginalValue(t *testing.T) {
	compressor, err := NewGzipCompressor(gzip.DefaultCompression)
	require.NoError(t, err)
	decompressor := NewGzipDecompressor()

	for _, input := range []string{"first payload", strings.Repeat("line\n", 1000), ""} {
		compressed, err := compressor.Compress(strings.NewReader(input))
		require.NoError(t, err)
		output, err := decompressor.Decompress(compressed)
		require.NoError(t, err)
		assert.Equal(t, input, string(output))
	}
}

func TestDecompress_ConcatenatedMembers(t *testing.T) {
	compressor, err := NewGzipCompressor(gzip.BestSpeed)
	require.NoError(t, err)

	first, err := compressor.Compress(strings.NewReader("block one\n"))
	require.NoError(t, err)
	second, err := compressor.Compress(strings.NewReader("block two\n"))
	require.NoError(t, err)

	output, err := NewGzipDecompressor().Decompress(append(append([]byte{}, first...), second...))
	require.NoError(t, err)
	assert.Equal(t, "block one\nblock two\n", string(output))
}

func TestNoOpCompressor(t *testing.T) {
	output, err := (&NoOpCompressor{}).Compress(bytes.NewReader([]byte("same")))
	require.NoError(t, err)
	assert.Equal(t, []byte("same"), output)
}
