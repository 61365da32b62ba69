package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Aman-CERP/imgsift/internal/media"
)

// encodeVector packs v as little-endian float32 for SQLite BLOB columns.
func encodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob has %d bytes, not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

func encodeMetadata(m media.Metadata) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}

// decodeMetadata fills missing collections with their empty defaults.
func decodeMetadata(raw []byte) (media.Metadata, error) {
	m := media.EmptyMetadata()
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if m.Objects == nil {
		m.Objects = []media.Detection{}
	}
	if m.TextBlocks == nil {
		m.TextBlocks = []media.TextBlock{}
	}
	if m.EXIF.Tags == nil {
		m.EXIF.Tags = map[string]string{}
	}
	return m, nil
}

func encodeMembers(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("failed to encode members: %w", err)
	}
	return string(data), nil
}

func decodeMembers(raw []byte) ([]string, error) {
	ids := []string{}
	if len(raw) == 0 {
		return ids, nil
	}
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode members: %w", err)
	}
	return ids, nil
}

// SQLite keeps timestamps as unix nanoseconds so ordering is exact.
func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
