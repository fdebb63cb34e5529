package core

import "strings"

// Compression names the column codec used when writing row files.
// Readers accept any codec regardless of this setting.
type Compression string

const (
	// CompressionZstd is the default codec.
	CompressionZstd   Compression = "zstd"
	CompressionSnappy Compression = "snappy"
	CompressionGzip   Compression = "gzip"
	CompressionLZ4    Compression = "lz4"
	// CompressionNone writes uncompressed pages.
	CompressionNone Compression = "none"
)

// ParseCompression maps a config string to a Compression, case-insensitively.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case CompressionZstd, CompressionSnappy, CompressionGzip, CompressionLZ4, CompressionNone:
		return c, nil
	case "":
		return CompressionZstd, nil
	default:
		return "", NewInvalidArgumentError("compression", "unknown codec "+s)
	}
}
