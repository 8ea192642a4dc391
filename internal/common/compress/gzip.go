package compress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Compressor compresses payloads before upload.
// Implementations reuse their buffers and are not threadsafe.
type Compressor interface {
	Compress(r io.Reader) ([]byte, error)
}

// Decompressor reverses a Compressor.
type Decompressor interface {
	Decompress(b []byte) ([]byte, error)
}

// NoOpCompressor returns its input unchanged. Useful for tests.
type NoOpCompressor struct{}

func (c *NoOpCompressor) Compress(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(r)
	return b, errors.WithStack(err)
}

// GzipCompressor produces a single gzip member per call.
type GzipCompressor struct {
	buffer *bytes.Buffer
	writer *gzip.Writer
}

func NewGzipCompressor(level int) (*GzipCompressor, error) {
	var buffer bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buffer, level)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &GzipCompressor{buffer: &buffer, writer: writer}, nil
}

func (c *GzipCompressor) Compress(r io.Reader) ([]byte, error) {
	c.buffer.Reset()
	c.writer.Reset(c.buffer)
	if _, err := io.Copy(c.writer, r); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := c.writer.Close(); err != nil {
		return nil, errors.WithStack(err)
	}
	out := make([]byte, c.buffer.Len())
	copy(out, c.buffer.Bytes())
	return out, nil
}

// GzipDecompressor reads concatenated gzip members as one stream.
type GzipDecompressor struct {
	reader *gzip.Reader
}

func NewGzipDecompressor() *GzipDecompressor {
	return &GzipDecompressor{}
}

func (d *GzipDecompressor) Decompress(b []byte) ([]byte, error) {
	input := bytes.NewReader(b)
	if d.reader == nil {
		reader, err := gzip.NewReader(input)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		d.reader = reader
	} else if err := d.reader.Reset(input); err != nil {
		return nil, errors.WithStack(err)
	}

	var output bytes.Buffer
	if _, err := io.Copy(&output, d.reader); err != nil {
		return nil, errors.WithStack(err)
	}
	return output.Bytes(), nil
}
