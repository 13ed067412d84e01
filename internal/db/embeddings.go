package db

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// DescriptionEmbedding pairs a feature description with its vector.
type DescriptionEmbedding struct {
	Description string    `json:"description"`
	Embedding   []float32 `json:"embedding"`
}

// bytesToEmbedding converts a little-endian byte slice to []float32.
// Each 4 bytes = one LE float32. Short trailing chunk → 0.0.
func bytesToEmbedding(data []byte) []float32 {
	n := len(data) / 4
	if len(data)%4 != 0 {
		n++
	}
	result := make([]float32, n)
	for i := 0; i < len(data)/4; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		result[i] = math.Float32frombits(bits)
	}
	return result
}

// embeddingToBytes is the inverse of bytesToEmbedding.
func embeddingToBytes(v []float32) []byte {
	data := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	return data
}

// GetDescriptionEmbedding returns the stored vector for a description.
func (d *DB) GetDescriptionEmbedding(ctx context.Context, description string) ([]float32, error) {
	var data []byte
	err := d.queryRow(ctx,
		`SELECT embedding FROM description_embeddings WHERE description = ?`, description,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return bytesToEmbedding(data), nil
}

// PutDescriptionEmbedding stores or replaces the vector for a description.
func (d *DB) PutDescriptionEmbedding(ctx context.Context, description string, v []float32) error {
	_, err := d.exec(ctx,
		`INSERT INTO description_embeddings (description, embedding) VALUES (?, ?)
		 ON CONFLICT (description) DO UPDATE SET embedding = excluded.embedding`,
		description, embeddingToBytes(v))
	if err != nil {
		return fmt.Errorf("storing embedding: %w", err)
	}
	return nil
}

// PutDescriptionEmbeddings stores a batch of vectors and returns how many
// were written before the first failure.
func (d *DB) PutDescriptionEmbeddings(ctx context.Context, batch []DescriptionEmbedding) (int, error) {
	for i, e := range batch {
		if e.Description == "" || len(e.Embedding) == 0 {
			return i, fmt.Errorf("embedding %d: empty description or vector", i)
		}
		if err := d.PutDescriptionEmbedding(ctx, e.Description, e.Embedding); err != nil {
			return i, err
		}
	}
	return len(batch), nil
}

// CountDescriptionEmbeddings returns the number of stored vectors.
func (d *DB) CountDescriptionEmbeddings(ctx context.Context) (int, error) {
	var count int
	err := d.queryRow(ctx, `SELECT COUNT(*) FROM description_embeddings`).Scan(&count)
	return count, err
}
