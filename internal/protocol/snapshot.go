package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// PackSnapshot serializes a full-state snapshot and compresses it. Resync
// snapshots are the largest messages the mesh carries, so they get an lz4
// frame; per-tick deltas stay uncompressed.
func PackSnapshot(v any) ([]byte, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pack snapshot: %w", err)
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("pack snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("pack snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpackSnapshot decompresses and deserializes a snapshot into out.
func UnpackSnapshot(b []byte, out any) error {
	if len(b) == 0 {
		return fmt.Errorf("unpack snapshot: empty input")
	}
	zr := lz4.NewReader(bytes.NewReader(b))
	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("unpack snapshot: %w", err)
	}
	return msgpack.Unmarshal(raw, out)
}
