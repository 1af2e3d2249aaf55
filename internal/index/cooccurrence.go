package index

import (
	"encoding/binary"
	"sort"
	"strings"

	"go.etcd.io/bbolt"
)

// pairKey builds the bucket key for an unordered pair. Lexicographic
// ordering of the halves makes (a,b) and (b,a) the same key.
func pairKey(a, b string) []byte {
	if a > b {
		a, b = b, a
	}
	return []byte(a + keySeparator + b)
}

// RecordCooccurrence increments the count for one unordered pair.
// Identical names are a no-op.
func (s *Store) RecordCooccurrence(a, b string) error {
	if a == b {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return incrementPair(tx, a, b)
	})
}

// RecordCooccurrences increments every unordered pair drawn from the
// list in one transaction. A list of N names produces N(N-1)/2 pairs; a
// single-element list is a no-op.
func (s *Store) RecordCooccurrences(names []string) error {
	if len(names) < 2 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				if names[i] == names[j] {
					continue
				}
				if err := incrementPair(tx, names[i], names[j]); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func incrementPair(tx *bbolt.Tx, a, b string) error {
	bucket := tx.Bucket([]byte(CooccurrenceBucket))
	key := pairKey(a, b)

	count := uint64(0)
	if data := bucket.Get(key); data != nil {
		count = binary.BigEndian.Uint64(data)
	}
	count++

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, count)
	return bucket.Put(key, buf)
}

// GetRelatedTools returns tools that co-occurred with key at least
// minCount times, sorted by count descending then name ascending.
func (s *Store) GetRelatedTools(key string, minCount, limit int) ([]RelatedTool, error) {
	counts := make(map[string]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(CooccurrenceBucket)).ForEach(func(k, v []byte) error {
			first, second, ok := splitPairKey(k)
			if !ok {
				return nil
			}
			count := int(binary.BigEndian.Uint64(v))
			switch key {
			case first:
				counts[second] += count
			case second:
				counts[first] += count
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rankRelated(counts, minCount, limit), nil
}

// GetSuggestedBundles aggregates neighbors of every key in the working
// set, excluding the keys themselves, and returns the strongest
// suggestions.
func (s *Store) GetSuggestedBundles(keys []string, minCount, limit int) ([]RelatedTool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	inSet := make(map[string]bool, len(keys))
	for _, k := range keys {
		inSet[k] = true
	}

	counts := make(map[string]int)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(CooccurrenceBucket)).ForEach(func(k, v []byte) error {
			first, second, ok := splitPairKey(k)
			if !ok {
				return nil
			}
			count := int(binary.BigEndian.Uint64(v))
			if inSet[first] && !inSet[second] {
				counts[second] += count
			}
			if inSet[second] && !inSet[first] {
				counts[first] += count
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rankRelated(counts, minCount, limit), nil
}

// ClearCooccurrences resets every pair count and returns how many pair
// entries were dropped.
func (s *Store) ClearCooccurrences() (int, error) {
	dropped := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dropped = tx.Bucket([]byte(CooccurrenceBucket)).Stats().KeyN
		if err := tx.DeleteBucket([]byte(CooccurrenceBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(CooccurrenceBucket))
		return err
	})
	if err != nil {
		return 0, err
	}
	return dropped, nil
}

// GetCooccurrenceCount returns the number of distinct recorded pairs.
func (s *Store) GetCooccurrenceCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket([]byte(CooccurrenceBucket)).Stats().KeyN
		return nil
	})
	return count, err
}

func splitPairKey(k []byte) (first, second string, ok bool) {
	parts := strings.SplitN(string(k), keySeparator, 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func rankRelated(counts map[string]int, minCount, limit int) []RelatedTool {
	related := make([]RelatedTool, 0, len(counts))
	for name, count := range counts {
		if count >= minCount {
			related = append(related, RelatedTool{Name: name, Count: count})
		}
	}
	sort.Slice(related, func(i, j int) bool {
		if related[i].Count != related[j].Count {
			return related[i].Count > related[j].Count
		}
		return related[i].Name < related[j].Name
	})
	if limit > 0 && len(related) > limit {
		related = related[:limit]
	}
	return related
}
