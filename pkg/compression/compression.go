// Package compression provides the optional value compression used by the
// instacache store when compression is enabled in configuration.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// CompressorType identifies a compression algorithm
type CompressorType string

const (
	// CompressorNone disables compression
	CompressorNone CompressorType = "none"

	// CompressorGzip uses gzip
	CompressorGzip CompressorType = "gzip"

	// CompressorDeflate uses raw deflate
	CompressorDeflate CompressorType = "deflate"

	// CompressorZstd uses zstandard
	CompressorZstd CompressorType = "zstd"
)

// Compressor compresses and decompresses byte slices
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Name() string
}

// Config holds compression settings
type Config struct {
	// Enabled turns compression on. It is advisory: cached values are
	// returned unchanged either way.
	Enabled bool

	// Algorithm selects the compressor
	Algorithm CompressorType

	// MinSize is the smallest value, in bytes, worth compressing
	MinSize int

	// Level is the compression level; -1 selects the algorithm default
	Level int
}

// NewDefaultConfig returns a disabled gzip configuration
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:   false,
		Algorithm: CompressorGzip,
		MinSize:   1024,
		Level:     -1,
	}
}

// WithEnabled sets whether compression is enabled
func (c *Config) WithEnabled(enabled bool) *Config {
	c.Enabled = enabled
	return c
}

// WithAlgorithm sets the compression algorithm
func (c *Config) WithAlgorithm(algorithm CompressorType) *Config {
	c.Algorithm = algorithm
	return c
}

// WithMinSize sets the minimum value size for compression
func (c *Config) WithMinSize(minSize int) *Config {
	c.MinSize = minSize
	return c
}

// WithLevel sets the compression level
func (c *Config) WithLevel(level int) *Config {
	c.Level = level
	return c
}

// NewCompressor creates the compressor described by config
func NewCompressor(config *Config) (Compressor, error) {
	if config == nil || !config.Enabled {
		return NewNoOpCompressor(), nil
	}

	switch config.Algorithm {
	case CompressorNone:
		return NewNoOpCompressor(), nil
	case CompressorGzip:
		return NewGzipCompressor(config.Level), nil
	case CompressorDeflate:
		return NewDeflateCompressor(config.Level), nil
	case CompressorZstd:
		return NewZstdCompressor(config.Level), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", config.Algorithm)
	}
}

// Lookup returns a default-level compressor for a name previously reported
// by Compressor.Name. It is used to decode entries written under another
// configuration.
func Lookup(name string) (Compressor, error) {
	switch CompressorType(name) {
	case CompressorNone:
		return NewNoOpCompressor(), nil
	case CompressorGzip:
		return NewGzipCompressor(-1), nil
	case CompressorDeflate:
		return NewDeflateCompressor(-1), nil
	case CompressorZstd:
		return sharedZstd(), nil
	default:
		return nil, fmt.Errorf("unknown compressor: %q", name)
	}
}

// sharedZstd backs Lookup so that reads do not build a decoder per entry
var sharedZstd = sync.OnceValue(func() *ZstdCompressor { return NewZstdCompressor(-1) })

// NoOpCompressor returns data unchanged
type NoOpCompressor struct{}

// NewNoOpCompressor creates a compressor that does nothing
func NewNoOpCompressor() *NoOpCompressor {
	return &NoOpCompressor{}
}

// Compress returns data unchanged
func (n *NoOpCompressor) Compress(data []byte) ([]byte, error) { return data, nil }

// Decompress returns data unchanged
func (n *NoOpCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// Name returns "none"
func (n *NoOpCompressor) Name() string { return string(CompressorNone) }

// GzipCompressor compresses with gzip
type GzipCompressor struct {
	level int
}

// NewGzipCompressor creates a gzip compressor; level -1 is the default level
func NewGzipCompressor(level int) *GzipCompressor {
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return &GzipCompressor{level: level}
}

// Compress gzips data
func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress gunzips data
func (g *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Name returns "gzip"
func (g *GzipCompressor) Name() string { return string(CompressorGzip) }

// DeflateCompressor compresses with raw deflate
type DeflateCompressor struct {
	level int
}

// NewDeflateCompressor creates a deflate compressor; level -1 is the default level
func NewDeflateCompressor(level int) *DeflateCompressor {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.DefaultCompression
	}
	return &DeflateCompressor{level: level}
}

// Compress deflates data
func (d *DeflateCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, d.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates data
func (d *DeflateCompressor) Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}

// Name returns "deflate"
func (d *DeflateCompressor) Name() string { return string(CompressorDeflate) }

// ZstdCompressor compresses with zstandard. One encoder and one decoder are
// shared by all calls; EncodeAll and DecodeAll are safe for concurrent use.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
	err error
}

// NewZstdCompressor creates a zstd compressor. Level follows the zlib-style
// 1..9 scale; -1 is the default level.
func NewZstdCompressor(level int) *ZstdCompressor {
	encLevel := zstd.SpeedDefault
	if level >= 1 {
		encLevel = zstd.EncoderLevelFromZstd(level)
	}

	z := &ZstdCompressor{}
	z.enc, z.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if z.err != nil {
		return z
	}
	z.dec, z.err = zstd.NewReader(nil)
	return z
}

// Compress encodes data as a zstd frame
func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	if z.err != nil {
		return nil, z.err
	}
	return z.enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// Decompress decodes a zstd frame
func (z *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	if z.err != nil {
		return nil, z.err
	}
	return z.dec.DecodeAll(data, nil)
}

// Name returns "zstd"
func (z *ZstdCompressor) Name() string { return string(CompressorZstd) }

// CompressValue compresses value when it is at least minSize bytes and the
// result is smaller than the input. The returned bool reports whether
// compression was applied; when it is false the value is returned unchanged.
func CompressValue(value string, compressor Compressor, minSize int) (string, bool, error) {
	if compressor == nil || len(value) < minSize {
		return value, false, nil
	}
	if _, ok := compressor.(*NoOpCompressor); ok {
		return value, false, nil
	}

	compressed, err := compressor.Compress([]byte(value))
	if err != nil {
		return "", false, fmt.Errorf("compress with %s: %w", compressor.Name(), err)
	}
	if len(compressed) >= len(value) {
		return value, false, nil
	}
	return string(compressed), true, nil
}

// DecompressValue reverses CompressValue
func DecompressValue(value string, wasCompressed bool, compressor Compressor) (string, error) {
	if !wasCompressed {
		return value, nil
	}
	if compressor == nil {
		return "", fmt.Errorf("value is compressed but no compressor is configured")
	}

	data, err := compressor.Decompress([]byte(value))
	if err != nil {
		return "", fmt.Errorf("decompress with %s: %w", compressor.Name(), err)
	}
	return string(data), nil
}
