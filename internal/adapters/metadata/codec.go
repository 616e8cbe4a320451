package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Changelog and notification filter columns hold gzip-compressed JSON.

func compressJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding column: %w", err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compressing column: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing column: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressJSON(blob []byte, v any) error {
	if len(blob) == 0 {
		return nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("opening compressed column: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("decompressing column: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding column: %w", err)
	}
	return nil
}

// encodeChanges stores nil for an empty list so it reads back as nil.
func encodeChanges(lines []string) ([]byte, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	return compressJSON(lines)
}

func decodeChanges(blob []byte, lines *[]string) error {
	return decompressJSON(blob, lines)
}
