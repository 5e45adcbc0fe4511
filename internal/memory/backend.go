package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Backend is the durability boundary behind the store. The full working set
// is loaded once at open; every mutation is written through before it becomes
// visible to readers.
type Backend interface {
	LoadAll(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, r Record) error
	Delete(ctx context.Context, ids []string) error
	Close() error
}

// NewBackend picks a backend: postgres when a database URL is configured,
// otherwise a local SQLite file, otherwise ephemeral (process-lifetime only).
func NewBackend(ctx context.Context, databaseURL, path string) (Backend, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return newPostgresBackend(ctx, databaseURL)
	}
	if strings.TrimSpace(path) != "" {
		return newSQLiteBackend(path)
	}
	return nullBackend{}, nil
}

// nullBackend keeps records in process memory only.
type nullBackend struct{}

func (nullBackend) LoadAll(context.Context) ([]Record, error) { return nil, nil }
func (nullBackend) Save(context.Context, Record) error        { return nil }
func (nullBackend) Delete(context.Context, []string) error    { return nil }
func (nullBackend) Close() error                              { return nil }

// encodeVector serializes an embedding as little-endian float32 bytes.
func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec, nil
}
