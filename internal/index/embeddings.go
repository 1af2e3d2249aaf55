package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"go.etcd.io/bbolt"
)

// UpdateEmbeddings attaches vectors to existing rows in one transaction.
// Every vector must share one length, and that length must match the
// dimension already recorded in the store; any mismatch fails the whole
// batch.
func (s *Store) UpdateEmbeddings(batch []EmbeddingUpdate) error {
	if len(batch) == 0 {
		return nil
	}

	dim := len(batch[0].Vector)
	for _, u := range batch {
		if len(u.Vector) != dim {
			return fmt.Errorf("EmbeddingDimensionMismatch: vector for %s has length %d, batch dimension is %d",
				u.UpstreamKey+":"+u.ToolName, len(u.Vector), dim)
		}
	}
	if dim == 0 {
		return fmt.Errorf("EmbeddingDimensionMismatch: zero-length vectors are not allowed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(MetaBucket))
		if stored := meta.Get([]byte(EmbeddingDimKey)); stored != nil {
			storedDim := int(binary.BigEndian.Uint64(stored))
			if storedDim != dim {
				return fmt.Errorf("EmbeddingDimensionMismatch: store holds %d-dimensional vectors, batch has %d",
					storedDim, dim)
			}
		} else {
			dimBytes := make([]byte, 8)
			binary.BigEndian.PutUint64(dimBytes, uint64(dim))
			if err := meta.Put([]byte(EmbeddingDimKey), dimBytes); err != nil {
				return err
			}
		}

		bucket := tx.Bucket([]byte(ToolsBucket))
		for _, u := range batch {
			key := rowKey(u.UpstreamKey, u.ToolName)
			data := bucket.Get(key)
			if data == nil {
				return &ErrToolNotFound{UpstreamKey: u.UpstreamKey, ToolName: u.ToolName}
			}
			tool := &IndexedTool{}
			if err := tool.UnmarshalBinary(data); err != nil {
				return err
			}
			tool.Embedding = u.Vector
			encoded, err := tool.MarshalBinary()
			if err != nil {
				return err
			}
			if err := bucket.Put(key, encoded); err != nil {
				return err
			}
		}
		return nil
	})
}

// SearchSemantic returns the cosine-similarity nearest neighbors among
// rows that carry an embedding.
func (s *Store) SearchSemantic(queryVec []float32, limit int) ([]*SearchResult, error) {
	if len(queryVec) == 0 || limit <= 0 {
		return nil, nil
	}

	var results []*SearchResult
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ToolsBucket)).ForEach(func(_, v []byte) error {
			tool := &IndexedTool{}
			if err := tool.UnmarshalBinary(v); err != nil {
				return err
			}
			if len(tool.Embedding) != len(queryVec) {
				return nil
			}
			results = append(results, &SearchResult{
				Tool:  tool,
				Score: CosineSimilarity(queryVec, tool.Embedding),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Tool.UpstreamKey != results[j].Tool.UpstreamKey {
			return results[i].Tool.UpstreamKey < results[j].Tool.UpstreamKey
		}
		return results[i].Tool.ToolName < results[j].Tool.ToolName
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
