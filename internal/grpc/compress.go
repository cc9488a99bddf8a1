package grpc

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// Compressor applies symmetric compression to relay payloads.
type Compressor interface {
	// Name is the codec identifier advertised in stream metadata.
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

type gzipCompressor struct {
	level int
}

// NewGZIPCompressor constructs a Compressor tuned for small, frequent snapshots.
func NewGZIPCompressor() Compressor {
	return gzipCompressor{level: gzip.BestSpeed}
}

func (gzipCompressor) Name() string { return "gzip" }

func (c gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("gzip decompress: empty payload")
	}
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer reader.Close()
	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gzip read: %w", err)
	}
	return out, nil
}

// identityCompressor passes payloads through untouched.
type identityCompressor struct{}

// NewIdentityCompressor returns a Compressor that does not compress.
func NewIdentityCompressor() Compressor { return identityCompressor{} }

func (identityCompressor) Name() string { return "identity" }

func (identityCompressor) Compress(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

func (identityCompressor) Decompress(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

// CompressorFor resolves an advertised codec name.
func CompressorFor(name string) (Compressor, error) {
	switch name {
	case "gzip":
		return NewGZIPCompressor(), nil
	case "identity", "":
		return NewIdentityCompressor(), nil
	default:
		return nil, fmt.Errorf("unsupported payload encoding %q", name)
	}
}
