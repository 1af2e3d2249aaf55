// Package index persists the unified tool catalog. Rows live in bbolt,
// full-text lookup goes through bleve, and both stay consistent with the
// latest committed write.
package index

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"mcpsquared-go/internal/hash"
	"mcpsquared-go/internal/stringutil"
)

// Bucket names for the tool database.
const (
	ToolsBucket        = "tools"
	CooccurrenceBucket = "cooccurrence"
	MetaBucket         = "meta"

	EmbeddingDimKey = "embedding_dim"

	dbFileName    = "tools.db"
	indexDirName  = "index.bleve"
	keySeparator  = "\x00"
	dbOpenTimeout = 10 * time.Second
)

// Store owns the on-disk tool catalog: a bbolt database for rows and
// co-occurrence counts plus a bleve index for full-text search.
type Store struct {
	db     *bbolt.DB
	fts    *ftsIndex
	logger *zap.Logger
}

// NewStore opens (or creates) the catalog under dataDir.
func NewStore(dataDir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dataDir, dbFileName), 0o644, &bbolt.Options{
		Timeout: dbOpenTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open tool database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{ToolsBucket, CooccurrenceBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	fts, err := openFTS(filepath.Join(dataDir, indexDirName), logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, fts: fts, logger: logger}, nil
}

// Close releases the database and the full-text index.
func (s *Store) Close() error {
	ftsErr := s.fts.close()
	dbErr := s.db.Close()
	if dbErr != nil {
		return dbErr
	}
	return ftsErr
}

func rowKey(upstreamKey, toolName string) []byte {
	return []byte(upstreamKey + keySeparator + toolName)
}

func splitRowKey(key []byte) (upstreamKey, toolName string, ok bool) {
	idx := bytes.Index(key, []byte(keySeparator))
	if idx < 0 {
		return "", "", false
	}
	return string(key[:idx]), string(key[idx+1:]), true
}

// prepare computes the schema hash and drops a stale embedding when the
// schema changed relative to the existing row.
func (s *Store) prepare(tx *bbolt.Tx, t *IndexedTool) error {
	var schema interface{}
	if len(t.InputSchema) > 0 {
		schema = t.InputSchema
	}
	schemaHash, err := hash.SchemaHash(schema)
	if err != nil {
		return fmt.Errorf("failed to hash schema for %s: %w", t.QualifiedName(), err)
	}
	t.SchemaHash = schemaHash
	t.UpdatedAt = time.Now().UTC()

	bucket := tx.Bucket([]byte(ToolsBucket))
	if existing := bucket.Get(rowKey(t.UpstreamKey, t.ToolName)); existing != nil {
		prev := &IndexedTool{}
		if err := prev.UnmarshalBinary(existing); err == nil {
			if prev.SchemaHash == t.SchemaHash && t.Embedding == nil {
				t.Embedding = prev.Embedding
			}
		}
	}
	return nil
}

func putRow(tx *bbolt.Tx, t *IndexedTool) error {
	data, err := t.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", t.QualifiedName(), err)
	}
	return tx.Bucket([]byte(ToolsBucket)).Put(rowKey(t.UpstreamKey, t.ToolName), data)
}

// IndexTool inserts or replaces one row and its full-text document.
func (s *Store) IndexTool(t *IndexedTool) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := s.prepare(tx, t); err != nil {
			return err
		}
		return putRow(tx, t)
	}); err != nil {
		return err
	}
	return s.fts.indexTool(t.QualifiedName(), t)
}

// IndexTools applies a whole batch in one transaction; observers see either
// all changes or none.
func (s *Store) IndexTools(batch []*IndexedTool) error {
	if len(batch) == 0 {
		return nil
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, t := range batch {
			if err := s.prepare(tx, t); err != nil {
				return err
			}
			if err := putRow(tx, t); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return s.fts.indexBatch(batch)
}

// RemoveToolsForUpstream deletes every row owned by the upstream and
// returns how many were removed.
func (s *Store) RemoveToolsForUpstream(upstreamKey string) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolsBucket))
		cursor := bucket.Cursor()
		prefix := []byte(upstreamKey + keySeparator)

		var stale [][]byte
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if err := s.fts.deleteUpstream(upstreamKey); err != nil {
		return removed, err
	}
	s.logger.Debug("Removed upstream tools",
		zap.String("upstream", upstreamKey), zap.Int("count", removed))
	return removed, nil
}

// RemoveTool deletes one row and its full-text document.
func (s *Store) RemoveTool(upstreamKey, toolName string) error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ToolsBucket)).Delete(rowKey(upstreamKey, toolName))
	}); err != nil {
		return err
	}
	return s.fts.deleteTool(stringutil.JoinQualified(upstreamKey, toolName))
}

// GetTool fetches one row, or nil when the identity is not indexed.
func (s *Store) GetTool(upstreamKey, toolName string) (*IndexedTool, error) {
	var tool *IndexedTool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(ToolsBucket)).Get(rowKey(upstreamKey, toolName))
		if data == nil {
			return nil
		}
		tool = &IndexedTool{}
		return tool.UnmarshalBinary(data)
	})
	return tool, err
}

// GetToolsForUpstream lists every row owned by one upstream, sorted by
// tool name.
func (s *Store) GetToolsForUpstream(upstreamKey string) ([]*IndexedTool, error) {
	var tools []*IndexedTool
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket([]byte(ToolsBucket)).Cursor()
		prefix := []byte(upstreamKey + keySeparator)
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			tool := &IndexedTool{}
			if err := tool.UnmarshalBinary(v); err != nil {
				return err
			}
			tools = append(tools, tool)
		}
		return nil
	})
	return tools, err
}

// GetAllTools lists the whole catalog, sorted by upstream key then tool
// name (the natural bbolt key order).
func (s *Store) GetAllTools() ([]*IndexedTool, error) {
	var tools []*IndexedTool
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ToolsBucket)).ForEach(func(_, v []byte) error {
			tool := &IndexedTool{}
			if err := tool.UnmarshalBinary(v); err != nil {
				return err
			}
			tools = append(tools, tool)
			return nil
		})
	})
	return tools, err
}

// GetToolCount returns the number of indexed rows.
func (s *Store) GetToolCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket([]byte(ToolsBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

// Search returns up to limit rows ranked by full-text relevance. Ties
// break by upstream key then tool name, both ascending. An empty query
// yields an empty list.
func (s *Store) Search(query string, limit int) ([]*SearchResult, error) {
	hits, _, err := s.fts.search(query, limit)
	if err != nil {
		return nil, err
	}

	results := make([]*SearchResult, 0, len(hits))
	err = s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ToolsBucket))
		for _, hit := range hits {
			upstreamKey, toolName := stringutil.SplitQualified(hit.ID)
			data := bucket.Get(rowKey(upstreamKey, toolName))
			if data == nil {
				continue
			}
			tool := &IndexedTool{}
			if err := tool.UnmarshalBinary(data); err != nil {
				return err
			}
			results = append(results, &SearchResult{Tool: tool, Score: hit.Score})
		}
		return nil
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
	return results, nil
}

// SearchCount returns the total number of rows matching the query,
// independent of any limit.
func (s *Store) SearchCount(query string) (int, error) {
	_, total, err := s.fts.search(query, 0)
	return int(total), err
}

// Snapshot captures qualified name to schema hash for change detection.
func (s *Store) Snapshot() (*ToolSnapshot, error) {
	snapshot := &ToolSnapshot{
		Hashes:  make(map[string]string),
		TakenAt: time.Now().UTC(),
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(ToolsBucket)).ForEach(func(k, v []byte) error {
			tool := &IndexedTool{}
			if err := tool.UnmarshalBinary(v); err != nil {
				return err
			}
			snapshot.Hashes[tool.QualifiedName()] = tool.SchemaHash
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Clear wipes every row, every co-occurrence count, and the full-text
// index.
func (s *Store) Clear() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{ToolsBucket, CooccurrenceBucket} {
			if err := tx.DeleteBucket([]byte(bucket)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket([]byte(bucket)); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(MetaBucket)).Delete([]byte(EmbeddingDimKey))
	}); err != nil {
		return err
	}
	return s.fts.deleteAll()
}
